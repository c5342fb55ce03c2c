package blob

import (
	"context"
	"fmt"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver        Driver
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PathStyle     bool
	PublicBaseURL string
}

// Open returns the Store selected by opts.Driver (default memory). A MinIO
// bucket is created if missing.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverMemory
	}
	switch driver {
	case DriverMinIO:
		s, err := NewMinIOStore(MinIOConfig{
			Endpoint:      opts.Endpoint,
			AccessKey:     opts.AccessKey,
			SecretKey:     opts.SecretKey,
			Bucket:        opts.Bucket,
			Region:        opts.Region,
			UseSSL:        opts.UseSSL,
			PublicBaseURL: opts.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case DriverS3:
		return NewS3Store(ctx, S3Config{
			Region:          opts.Region,
			Bucket:          opts.Bucket,
			Endpoint:        opts.Endpoint,
			AccessKeyID:     opts.AccessKey,
			SecretAccessKey: opts.SecretKey,
			PathStyle:       opts.PathStyle,
			PublicBaseURL:   opts.PublicBaseURL,
		})
	case DriverMemory:
		return NewMemoryStore(opts.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
