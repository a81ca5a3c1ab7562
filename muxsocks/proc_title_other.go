//go:build !linux

package muxsocks

// Process title setting is only wired up on Linux.
func setProcessTitle(title string) {}
