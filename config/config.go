// Package config holds the YAML settings of a nicring process. Settings are
// addressed with dotted keys ("ring.tx_size") and read with typed getters that
// fall back to a default when a key is missing or malformed.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

var ErrNoConfig = errors.New("no config files found")

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every yaml file below path in lexical order. Later files
// override keys of earlier ones.
func (c *C) Load(path string) error {
	files, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	var m map[string]any
	for _, f := range files {
		var nm map[string]any
		if err := yaml.Unmarshal(f.Data, &nm); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}

		if err := mergo.Merge(&nm, m); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		m = nm
	}

	// An empty file decodes to nil, callers expect a map to write into.
	if m == nil {
		m = map[string]any{}
	}

	c.path = path
	c.Settings = m
	return nil
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}

	c.Settings = m
	return nil
}

// RegisterReloadCallback stores a function to run after a reload. It should
// use HasChanged to decide if there is anything to do.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the config was reloaded once.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged compares the serialized value of k before and after the last
// reload. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load on every SIGHUP
// until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reload(func() error { return c.Load(c.path) })
}

func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		old[k] = v
	}

	if err := load(); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return err
	}

	c.oldSettings = old
	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// GetString returns k formatted as a string, or d if k is not set.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

// GetBool also accepts y/yes and n/no.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}
	return v
}

func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetByteSize reads a size like "16KiB" or "1.5MB". Plain numbers are bytes.
func (c *C) GetByteSize(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	if r == "" {
		return d
	}

	v, err := humanize.ParseBytes(r)
	if err != nil {
		return d
	}
	return v
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}
