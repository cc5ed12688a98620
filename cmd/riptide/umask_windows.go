//go:build windows

package riptide

// SetUmask is a no-op on Windows.
func SetUmask(mask int) {}
