//go:build linux
// +build linux

// Package sockopt - Linux socket tuning via x/sys/unix.

package sockopt

import "golang.org/x/sys/unix"

func tune(fd uintptr, o Options) error {
	if o.UserTimeout <= 0 {
		return nil
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(o.UserTimeout.Milliseconds()))
}
