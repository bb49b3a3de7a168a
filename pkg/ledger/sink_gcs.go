package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/rodcoding123/helix-sub009/pkg/canonicalize"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// GCSSink mirrors audit entries to a Google Cloud Storage bucket with the
// same layout as S3Sink. The conditional write (DoesNotExist) makes
// re-mirroring idempotent and refuses to overwrite a diverging object.
type GCSSink struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSSink creates a GCS-backed mirror sink.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs sink: client: %w", err)
	}
	return &GCSSink{bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (g *GCSSink) Mirror(ctx context.Context, e *contracts.AuditEntry) error {
	body, err := canonicalize.JCS(e)
	if err != nil {
		return fmt.Errorf("gcs sink: encode entry: %w", err)
	}
	name := fmt.Sprintf("%s%s/%012d-%s.json", g.prefix, e.Shard, e.Seq, e.EntryHash[:16])

	obj := g.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs sink: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		// 412 means the object is already there; the content-derived name
		// makes that an acknowledgment, not a failure.
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("gcs sink: close %s: %w", name, err)
	}
	return nil
}
