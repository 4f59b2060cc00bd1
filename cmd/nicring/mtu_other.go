//go:build !linux

package main

import (
	"fmt"
	"runtime"
)

func linkMTU(string) (int, error) {
	return 0, fmt.Errorf("-mtu-from is not supported on %s", runtime.GOOS)
}
