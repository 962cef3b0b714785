package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	minioCreds "github.com/minio/minio-go/v7/pkg/credentials"

	"static-flow-verifier/internal/model"
)

var ErrNoObjectStore = errors.New("object store is not configured")

// Store loads and saves rule sets by location.
type Store interface {
	Load(ctx context.Context, location string) (model.RuleSet, error)
	Save(ctx context.Context, location string, rs model.RuleSet) error
}

// FileStore keeps rule sets as JSON files. Relative locations resolve
// against Dir.
type FileStore struct {
	Dir string
}

func (s *FileStore) path(location string) string {
	if s.Dir == "" || filepath.IsAbs(location) {
		return location
	}
	return filepath.Join(s.Dir, location)
}

func (s *FileStore) Load(ctx context.Context, location string) (model.RuleSet, error) {
	f, err := os.Open(s.path(location))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return rs, nil
}

// Save writes to a temporary file next to the target and renames it into
// place, so readers never see a partial rule set.
func (s *FileStore) Save(ctx context.Context, location string, rs model.RuleSet) error {
	path := s.path(location)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, rs); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", location, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	slog.Debug("Wrote rules", "path", path, "applications", len(rs), "rules", rs.Len())
	return nil
}

type ObjectStoreConfig struct {
	Endpoint      string
	UseSSL        bool
	AccessKey     string
	SecretKey     string
	DefaultBucket string
	Timeout       time.Duration
}

// ObjectStore keeps rule sets in an S3-compatible bucket. Locations have
// the form s3://bucket/key; an empty bucket selects DefaultBucket.
type ObjectStore struct {
	cfg    ObjectStoreConfig
	client *minio.Client
}

func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("object storage credentials are not configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "minio:9000"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  minioCreds.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &ObjectStore{cfg: cfg, client: client}, nil
}

func (s *ObjectStore) split(location string) (string, string, error) {
	bucket, key, err := ParseObjectLocation(location)
	if err != nil {
		return "", "", err
	}
	if bucket == "" {
		bucket = s.cfg.DefaultBucket
	}
	if bucket == "" {
		return "", "", fmt.Errorf("%s: no bucket given and no default bucket configured", location)
	}
	return bucket, key, nil
}

func (s *ObjectStore) Load(ctx context.Context, location string) (model.RuleSet, error) {
	bucket, key, err := s.split(location)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	rs, err := Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return rs, nil
}

func (s *ObjectStore) Save(ctx context.Context, location string, rs model.RuleSet) error {
	bucket, key, err := s.split(location)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, rs); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", location, err)
	}
	slog.Debug("Uploaded rules", "bucket", bucket, "key", key, "applications", len(rs), "rules", rs.Len())
	return nil
}

// ParseObjectLocation splits s3://bucket/key.
func ParseObjectLocation(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%q is not an s3:// location", location)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if key == "" {
		return "", "", fmt.Errorf("%q names no object key", location)
	}
	return bucket, key, nil
}

// Mux sends s3:// locations to Objects and everything else to Files.
type Mux struct {
	Files   Store
	Objects Store
}

func (m *Mux) pick(location string) (Store, error) {
	if strings.HasPrefix(location, "s3://") {
		if m.Objects == nil {
			return nil, fmt.Errorf("%s: %w", location, ErrNoObjectStore)
		}
		return m.Objects, nil
	}
	if m.Files == nil {
		return &FileStore{}, nil
	}
	return m.Files, nil
}

func (m *Mux) Load(ctx context.Context, location string) (model.RuleSet, error) {
	s, err := m.pick(location)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, location)
}

func (m *Mux) Save(ctx context.Context, location string, rs model.RuleSet) error {
	s, err := m.pick(location)
	if err != nil {
		return err
	}
	return s.Save(ctx, location, rs)
}
