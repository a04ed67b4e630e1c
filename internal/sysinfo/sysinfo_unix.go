//go:build unix

// Package sysinfo is a tiny platform probe used by cmd/extcompile for
// build diagnostics.
package sysinfo

import "golang.org/x/sys/unix"

// PageSize returns the host's memory page size in bytes.
func PageSize() int {
	return unix.Getpagesize()
}
