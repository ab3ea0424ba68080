// Package blobstore stores the director's binary artifacts: compiled
// packages, exported releases and local DNS blobs.
//
// Blobs are addressed by an opaque id assigned on Create. Two backends are
// provided: a local directory and S3 (or any S3-compatible store).
package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
)

// Blobstore is safe for concurrent use.
type Blobstore interface {
	// Create stores the contents of r under a new id.
	Create(ctx context.Context, r io.Reader) (id string, err error)

	// Get opens a blob. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes a blob. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error

	Exists(ctx context.Context, id string) (bool, error)
}

// Provider names accepted by Open.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Provider string `mapstructure:"provider"`

	// Path is the root directory of the local backend.
	Path string `mapstructure:"path"`

	S3 S3Config `mapstructure:",squash"`
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config) (Blobstore, error) {
	switch cfg.Provider {
	case "", ProviderLocal:
		l, err := NewLocal(cfg.Path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case ProviderS3:
		s, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blobstore provider %q", cfg.Provider)
	}
}

// CreateWithSHA1 stores r and returns its id and hex SHA-1 digest.
func CreateWithSHA1(ctx context.Context, bs Blobstore, r io.Reader) (id, sum string, err error) {
	h := sha1.New()
	id, err = bs.Create(ctx, io.TeeReader(r, h))
	if err != nil {
		return "", "", err
	}
	return id, hex.EncodeToString(h.Sum(nil)), nil
}

// DeleteIfExists deletes id, treating a missing blob as already deleted.
func DeleteIfExists(ctx context.Context, bs Blobstore, id string) error {
	if err := bs.Delete(ctx, id); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}
