// Package storage keeps voice audio in a Supabase storage bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"
)

var ErrUploadFailed = errors.New("audio upload failed")

// objectClient is the part of the storage-go client the bucket uses
type objectClient interface {
	UploadFile(bucketId string, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
	GetPublicUrl(bucketId string, filePath string, urlOptions ...storage_go.UrlOptions) storage_go.SignedUrlResponse
}

type Config struct {
	// Supabase project URL, e.g. https://<project-ref>.supabase.co
	URL string

	// Service role key, uploads are made server side
	Key string

	Bucket string
}

type Bucket struct {
	client objectClient
	name   string
}

func NewBucket(cfg Config) (*Bucket, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, errors.New("supabase URL and key are required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize supabase SDK: %w", err)
	}

	return newBucket(client.Storage, cfg.Bucket), nil
}

func newBucket(client objectClient, name string) *Bucket {
	return &Bucket{
		client: client,
		name:   name,
	}
}

// PublicURL returns the public URL of an object, or the empty string when it cannot be derived
func (b *Bucket) PublicURL(path string) string {
	if path == "" {
		return ""
	}
	return b.client.GetPublicUrl(b.name, path).SignedURL
}

// Upload stores data at path. Existing objects are never overwritten.
func (b *Bucket) Upload(ctx context.Context, path string, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	upsert := false
	_, err := b.client.UploadFile(b.name, path, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"bucket": b.name,
			"path":   path,
			"error":  err,
		}).Error("Error uploading audio")
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	log.WithFields(log.Fields{
		"bucket": b.name,
		"path":   path,
		"bytes":  len(data),
	}).Info("Uploaded audio")

	return nil
}
