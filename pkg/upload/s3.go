package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink lands uploads in an S3 bucket under prefix+uploadID. Chunks are
// buffered in memory per uploadID and shipped as a single PutObject on
// Finalize, trading large-upload memory for a much simpler assembler than
// driving S3's multipart API off 256 KiB WebSocket chunks would require.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string

	mu      sync.Mutex
	staging map[string]*bytes.Buffer
}

// NewS3Sink builds a sink over an already-configured S3 client.
func NewS3Sink(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		staging: make(map[string]*bytes.Buffer),
	}
}

func (s *S3Sink) key(uploadID string) string {
	return s.prefix + uploadID
}

type s3StagingWriter struct {
	sink     *S3Sink
	uploadID string
	buf      *bytes.Buffer
}

func (w *s3StagingWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *s3StagingWriter) Close() error                { return nil }

// Create opens an in-memory staging buffer for uploadID.
func (s *S3Sink) Create(uploadID string) (io.WriteCloser, error) {
	buf := &bytes.Buffer{}
	s.mu.Lock()
	s.staging[uploadID] = buf
	s.mu.Unlock()
	return &s3StagingWriter{sink: s, uploadID: uploadID, buf: buf}, nil
}

// Finalize uploads the staged bytes as a single object, drops the buffer,
// and returns an s3:// URI locating the object.
func (s *S3Sink) Finalize(uploadID string) (string, error) {
	s.mu.Lock()
	buf := s.staging[uploadID]
	delete(s.staging, uploadID)
	s.mu.Unlock()

	if buf == nil {
		return "", fmt.Errorf("upload: no staged data for %s", uploadID)
	}

	key := s.key(uploadID)
	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Remove drops the staging buffer and, best-effort, deletes the object in
// case Finalize had already run before the caller decided to discard it.
func (s *S3Sink) Remove(uploadID string) error {
	s.mu.Lock()
	delete(s.staging, uploadID)
	s.mu.Unlock()

	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uploadID)),
	})
	return err
}
