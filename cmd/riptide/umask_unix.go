//go:build !windows

package riptide

import "syscall"

func SetUmask(mask int) {
	syscall.Umask(mask)
}
