package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// File is one config file as read from disk.
type File struct {
	Path string
	Data []byte
}

// ReadConfigFiles reads path if it is a file. For a directory it reads every
// .yml and .yaml file below it, sorted by path.
func ReadConfigFiles(path string) ([]File, error) {
	paths, err := resolve(path, true)
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrNoConfig, path)
	}

	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Path: p, Data: b})
	}
	return files, nil
}

// direct is true for the path the user gave, files found while walking a
// directory must have a yaml extension.
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil, nil
		}

		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}
	return files, nil
}
