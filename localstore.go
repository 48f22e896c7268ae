package chronos

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalStore implements ObjectStore on the local filesystem, for deployments
// without S3 credentials and for tests. Buckets map to directories under the
// base path; keys map to files.
type LocalStore struct {
	base string
	mu   sync.RWMutex
}

// NewLocalStore creates a filesystem object store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, &ConfigError{Section: "localStorage", Message: "basePath is required"}
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, newStorageError("init", basePath, err)
	}
	return &LocalStore{base: basePath}, nil
}

func (l *LocalStore) path(bucket, key string) string {
	return filepath.Join(l.base, bucket, filepath.FromSlash(key))
}

func (l *LocalStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newStorageError("put", bucket+"/"+key, err)
	}
	// Write-then-rename keeps readers from observing partial blobs.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return newStorageError("put", bucket+"/"+key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newStorageError("put", bucket+"/"+key, err)
	}
	return nil
}

func (l *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	data, err := os.ReadFile(l.path(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Kind: "blob", Key: bucket + "/" + key}
		}
		return nil, newStorageError("get", bucket+"/"+key, err)
	}
	return data, nil
}

func (l *LocalStore) Head(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, err := os.Stat(l.path(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, newStorageError("head", bucket+"/"+key, err)
	}
	return true, nil
}

func (l *LocalStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Remove(l.path(bucket, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newStorageError("delete", bucket+"/"+key, err)
	}
	return nil
}

func (l *LocalStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	root := filepath.Join(l.base, bucket)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, newStorageError("list", bucket+"/"+prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Presign returns a file URL. Local deployments have no signing authority;
// the URL is only usable by processes with filesystem access.
func (l *LocalStore) Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(l.path(bucket, key))
	if err != nil {
		return "", newStorageError("presign", bucket+"/"+key, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

func (l *LocalStore) Close() error {
	return nil
}
