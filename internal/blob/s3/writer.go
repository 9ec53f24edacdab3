package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

const (
	// minPartSize is the S3 floor for multipart parts.
	minPartSize int64 = 5 * 1024 * 1024
	// Objects above this size, or of unknown size, go through the
	// multipart uploader.
	multipartThreshold int64 = 16 * 1024 * 1024
)

// Writer implements domain.BlobWriter on the client's bucket.
type Writer struct {
	client   *s3.Client
	bucket   string
	partSize int64
}

// NewWriter creates a Writer for c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{client: c.s3, bucket: c.bucket, partSize: minPartSize}
}

// Write uploads data under obj.Key with a single PutObject when the size is
// known and small, and through the transfer manager otherwise.
func (w *Writer) Write(ctx context.Context, obj domain.BlobObject, data io.Reader) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(obj.Key),
		Body:        data,
		ContentType: aws.String(obj.ContentType),
		Metadata:    obj.Metadata,
	}
	if !useMultipart(obj.Size) {
		in.ContentLength = aws.Int64(obj.Size)
		if _, err := w.client.PutObject(ctx, in); err != nil {
			return fmt.Errorf("s3blob: put object %s: %w", obj.Key, err)
		}
		return nil
	}

	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = w.partSize
	})
	if _, err := uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", obj.Key, err)
	}
	return nil
}

func useMultipart(size int64) bool {
	return size < 0 || size > multipartThreshold
}

var _ domain.BlobWriter = (*Writer)(nil)
