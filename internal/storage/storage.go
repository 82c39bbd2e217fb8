// Package storage provides the object storage where bulk-load files are
// staged before a warehouse load job reads them.
package storage

import (
	"context"
	"io"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
)

// Common errors for storage operations. Transfer failures are retryable.
var (
	ErrObjectNotFound = apperrors.New(apperrors.ErrCategoryStorage, apperrors.CodeObjectNotFound, "object not found")
	ErrUploadFailed   = apperrors.New(apperrors.ErrCategoryStorage, apperrors.CodeUploadFailed, "upload failed")
	ErrDownloadFailed = apperrors.New(apperrors.ErrCategoryStorage, apperrors.CodeDownloadFailed, "download failed")
	ErrDeleteFailed   = apperrors.New(apperrors.ErrCategoryStorage, apperrors.CodeDeleteFailed, "delete failed")
)

// ObjectStorage abstracts object storage operations.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies the object at objectPath to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Open streams the object at objectPath. The caller closes the reader.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// URI returns a human-readable location for objectPath.
	URI(objectPath string) string
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	// Files no larger than one part use a single PUT.
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024, // 5MB
	}
}
