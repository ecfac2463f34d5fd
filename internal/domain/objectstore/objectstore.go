// Package objectstore defines the multipart upload contract used for export artifacts.
package objectstore

import "context"

// Upload identifies an open multipart upload.
type Upload struct {
	Bucket string
	Key    string
	ID     string
}

// Part is one uploaded part. Numbers start at 1 and increase without gaps.
type Part struct {
	Number int32
	ETag   string
}

// MultipartUploader writes one object as a sequence of parts.
type MultipartUploader interface {
	Open(ctx context.Context, bucket, key, contentType string) (Upload, error)
	UploadPart(ctx context.Context, up Upload, number int32, body []byte) (Part, error)
	// Complete assembles the object from parts, which must be in order.
	Complete(ctx context.Context, up Upload, parts []Part) error
	// Abort discards every uploaded part.
	Abort(ctx context.Context, up Upload) error
}
