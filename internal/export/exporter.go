package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/shape"
)

// Uploader is the part of Store the Exporter needs.
type Uploader interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Exporter serializes a shaped result and uploads it under a timestamped
// key with a random suffix.
type Exporter struct {
	store     Uploader
	urlExpiry time.Duration
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// NewExporter returns an Exporter writing to store. A positive urlExpiry
// attaches a presigned download URL to every export.
func NewExporter(store Uploader, urlExpiry time.Duration, logger zerolog.Logger) *Exporter {
	return &Exporter{store: store, urlExpiry: urlExpiry, logger: logger, now: time.Now, newID: shortID}
}

func shortID() string {
	return uuid.NewString()[:8]
}

func (e *Exporter) Export(ctx context.Context, s *shape.Shaped, f Format) (Object, error) {
	var buf bytes.Buffer
	if err := Write(&buf, s, f); err != nil {
		return Object{}, err
	}
	now := e.now()
	size := int64(buf.Len())

	obj, err := e.store.Put(ctx, ObjectKey(f, now, e.newID()), &buf, size, f.ContentType())
	if err != nil {
		return Object{}, fmt.Errorf("upload export: %w", err)
	}
	if obj.Size == 0 {
		obj.Size = size
	}
	obj.Filename = Filename(f, now)
	if e.urlExpiry > 0 {
		u, err := e.store.PresignGet(ctx, obj.Key, e.urlExpiry)
		if err != nil {
			return Object{}, err
		}
		obj.URL = u
	}

	e.logger.Info().
		Str("key", obj.Key).
		Str("format", string(f)).
		Int("row_count", s.RowCount).
		Int64("bytes", obj.Size).
		Msg("result exported")
	return obj, nil
}
