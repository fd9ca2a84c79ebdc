//go:build !giouring
// +build !giouring

package executor

import "errors"

// Uring is only functional when built with -tags giouring
type Uring struct {
	*File
}

// OpenUring is available when built with -tags giouring
func OpenUring(path string, size int64, readOnly bool, entries uint32) (*Uring, error) {
	return nil, errors.New("giouring not enabled; build with -tags giouring")
}
