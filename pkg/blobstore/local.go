package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Local keeps blobs as files in one directory.
type Local struct {
	root string
}

var _ Blobstore = (*Local)(nil)

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local blobstore path is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blobstore dir: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", &Error{Op: "Resolve", Provider: ProviderLocal, ID: id, Err: ErrNotFound}
	}
	return filepath.Join(l.root, id), nil
}

func (l *Local) Create(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	tmp, err := os.CreateTemp(l.root, ".upload-*")
	if err != nil {
		return "", &Error{Op: "Create", Provider: ProviderLocal, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", &Error{Op: "Create", Provider: ProviderLocal, ID: id, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &Error{Op: "Create", Provider: ProviderLocal, ID: id, Err: err}
	}
	if err := os.Rename(tmpName, filepath.Join(l.root, id)); err != nil {
		return "", &Error{Op: "Create", Provider: ProviderLocal, ID: id, Err: err}
	}
	return id, nil
}

func (l *Local) Get(_ context.Context, id string) (io.ReadCloser, error) {
	p, err := l.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, &Error{Op: "Get", Provider: ProviderLocal, ID: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &Error{Op: "Get", Provider: ProviderLocal, ID: id, Err: err}
	}
	return f, nil
}

func (l *Local) Delete(_ context.Context, id string) error {
	p, err := l.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return &Error{Op: "Delete", Provider: ProviderLocal, ID: id, Err: ErrNotFound}
	}
	if err != nil {
		return &Error{Op: "Delete", Provider: ProviderLocal, ID: id, Err: err}
	}
	return nil
}

func (l *Local) Exists(_ context.Context, id string) (bool, error) {
	p, err := l.path(id)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
