package fetcher

import (
	"errors"
	"syscall"
)

// isDiskFullError reports whether err ultimately wraps ENOSPC, the only
// portable signal a write-to-disk failure is a full-disk condition rather
// than a transient I/O error.
func isDiskFullError(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
