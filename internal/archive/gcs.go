package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSProvider archives summaries to a Google Cloud Storage bucket.
type GCSProvider struct {
	client *storage.Client
	bucket string
}

// NewGCSProvider wires an existing client to a bucket.
func NewGCSProvider(client *storage.Client, bucket string) (*GCSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSProvider{client: client, bucket: bucket}, nil
}

// Put uploads the summary and returns a gs:// URI.
func (p *GCSProvider) Put(ctx context.Context, key string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	writer := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, key), nil
}
