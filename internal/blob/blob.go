// Package blob stores captured screenshot images. The cache index holds only
// references into a Store; the bytes live here.
package blob

import "context"

// Store reads and writes screenshot blobs by reference. A reference is a
// provider-relative path such as "shots/4f2c.png".
type Store interface {
	Put(ctx context.Context, ref string, contentType string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
}
