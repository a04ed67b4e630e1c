//go:build !unix

package sysinfo

import "os"

// PageSize returns the host's memory page size in bytes.
func PageSize() int {
	return os.Getpagesize()
}
