package filestore

import (
	"io"
)

// FileStore holds attachment payloads addressed by content hash.
// Addressing by hash makes Save idempotent and dedupes re-uploads of
// the same file across messages and users.
type FileStore interface {
	// Save stores the content under the given hash. Saving an existing
	// hash is a no-op.
	Save(r io.Reader, hash string) error

	// Exists reports whether the hash is already stored.
	Exists(hash string) bool

	// Get opens the content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}
