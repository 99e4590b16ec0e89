//go:build !unix && !windows

package lockfile

import "os"

// File locking is unavailable here; such platforms run a single process.
func flockExclusiveNonBlock(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
