//go:build !linux
// +build !linux

package sockopt

// TCP_USER_TIMEOUT is Linux specific; keepalive is handled by net.
func tune(fd uintptr, o Options) error { return nil }
