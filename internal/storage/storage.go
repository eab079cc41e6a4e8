// Package storage keeps trace dumps and exported profiles in object storage.
package storage

import (
	"context"
	"io"
	"sort"

	"github.com/span-profiler/pkg/config"
	apperrors "github.com/span-profiler/pkg/errors"
)

// Storage is an object store addressed by slash-separated keys.
type Storage interface {
	Upload(ctx context.Context, key string, reader io.Reader) error
	// Download opens the object at key. A missing object is a NOT_FOUND
	// AppError.
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	DownloadFile(ctx context.Context, key string, localPath string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete succeeds when the object is already gone.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// GetURL is for display; local storage returns a file path.
	GetURL(key string) string
}

// StorageType names a backend in config.StorageConfig.Type.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeCOS   StorageType = "cos"
)

type backend struct {
	validate func(cfg *config.StorageConfig) error
	open     func(cfg *config.StorageConfig) (Storage, error)
}

var backends = map[StorageType]backend{
	StorageTypeLocal: {
		validate: func(cfg *config.StorageConfig) error {
			if cfg.LocalPath == "" {
				return configError("local storage path is required")
			}
			return nil
		},
		open: func(cfg *config.StorageConfig) (Storage, error) {
			return NewLocalStorage(cfg.LocalPath)
		},
	},
	StorageTypeCOS: {
		validate: func(cfg *config.StorageConfig) error {
			switch {
			case cfg.Bucket == "":
				return configError("COS bucket is required")
			case cfg.Region == "":
				return configError("COS region is required")
			case cfg.SecretID == "" || cfg.SecretKey == "":
				return configError("COS credentials are required")
			}
			return nil
		},
		open: func(cfg *config.StorageConfig) (Storage, error) {
			return NewCOSStorage(&COSConfig{
				Bucket:    cfg.Bucket,
				Region:    cfg.Region,
				SecretID:  cfg.SecretID,
				SecretKey: cfg.SecretKey,
				Domain:    cfg.Domain,
				Scheme:    cfg.Scheme,
			})
		},
	},
}

func configError(msg string) error {
	return apperrors.New(apperrors.CodeConfigError, msg)
}

// Types returns the supported backend names, sorted.
func Types() []string {
	names := make([]string, 0, len(backends))
	for t := range backends {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

func lookup(cfg *config.StorageConfig) (backend, error) {
	if cfg == nil {
		return backend{}, configError("storage config is nil")
	}
	t := StorageType(cfg.Type)
	if t == "" {
		t = StorageTypeLocal
	}
	b, ok := backends[t]
	if !ok {
		return backend{}, apperrors.Newf(apperrors.CodeConfigError, "unsupported storage type: %s (supported: %v)", cfg.Type, Types())
	}
	return b, nil
}

// NewStorage validates cfg and opens its backend. An empty type means local.
func NewStorage(cfg *config.StorageConfig) (Storage, error) {
	b, err := lookup(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.validate(cfg); err != nil {
		return nil, err
	}
	return b.open(cfg)
}

// ValidateConfig checks cfg without opening the backend.
func ValidateConfig(cfg *config.StorageConfig) error {
	b, err := lookup(cfg)
	if err != nil {
		return err
	}
	return b.validate(cfg)
}
