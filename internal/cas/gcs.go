package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/CanopyHQ/xylem/internal/model"
)

// GCSStore keeps pinned content as objects named by cid in a bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// OpenGCS connects to bucket. credentialsFile may be empty to use the
// ambient application default credentials.
func OpenGCS(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Pin uploads data unless an object with the same cid already exists.
func (s *GCSStore) Pin(ctx context.Context, data []byte, filename, mime string) (PinResult, error) {
	c, err := Compute(data)
	if err != nil {
		return PinResult{}, err
	}
	obj := s.client.Bucket(s.bucket).Object(c).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if mime != "" {
		w.ContentType = mime
	}
	if filename != "" {
		w.Metadata = map[string]string{"filename": filename}
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return PinResult{}, fmt.Errorf("failed to upload %s: %w", c, err)
	}
	if err := w.Close(); err != nil && !isPreconditionFailed(err) {
		return PinResult{}, fmt.Errorf("failed to close GCS writer for %s: %w", c, err)
	}
	return PinResult{CID: c, Size: int64(len(data))}, nil
}

// Fetch downloads the object named c.
func (s *GCSStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(c).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c, err)
	}
	return data, nil
}

func (s *GCSStore) Location(c string) model.Location { return ipfsLocation(c, "gcs") }

func (s *GCSStore) Close() error { return s.client.Close() }

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
