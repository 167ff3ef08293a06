package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrBlobExists is returned when an upload would overwrite an existing blob.
var ErrBlobExists = errors.New("blob already exists")

// BlobStore uploads documents into a single container and returns the
// canonical URL of each stored blob. Callers own blob name uniqueness.
type BlobStore interface {
	EnsureContainer(ctx context.Context) error
	Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, name string) error
}

// UploadError reports a failed transfer to the blob backend.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload blob %q: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func uploadErr(name string, err error) error {
	var existing *UploadError
	if errors.As(err, &existing) {
		return err
	}
	return &UploadError{Name: name, Err: err}
}

// DefaultContentType is used when a part carries no usable content type.
const DefaultContentType = "application/octet-stream"

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return DefaultContentType
	}
	return contentType
}
