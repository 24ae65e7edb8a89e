package interfaces

// Backend is the storage behind a simulated device. This interface is
// intentionally similar to io.ReaderAt for familiarity and composability.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// It returns the number of bytes read (0 <= n <= len(p)) and any error encountered.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	Size() int64

	// Close closes the backend and releases any resources.
	// After Close is called, no other methods should be called.
	Close() error
}

// WriterBackend is an optional interface for backends that can be
// populated, e.g. to seed test images.
type WriterBackend interface {
	Backend

	// WriteAt writes len(p) bytes from p at offset off.
	WriteAt(p []byte, off int64) (n int, err error)
}

// StatBackend is an optional interface that provides backend statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	// The returned map contains string keys with numeric values.
	Stats() map[string]interface{}
}
