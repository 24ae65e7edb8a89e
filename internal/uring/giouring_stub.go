//go:build !linux

package uring

// io_uring is Linux only
func newKernelRing(config Config) (Ring, error) {
	return nil, ErrNotSupported
}
