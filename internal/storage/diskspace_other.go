//go:build !linux && !darwin

package storage

import "errors"

// FreeBytes is not implemented on this platform; callers skip the check.
func FreeBytes(path string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
