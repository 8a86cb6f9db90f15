package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/infra/logging"
)

var _ adapter.ResultPersister = (*Persister)(nil)

// maxThumbnailPixels caps the decoded size of an output before a thumbnail
// is made from it.
var maxThumbnailPixels int64 = 40_000_000

// Persister copies provider outputs into permanent storage and writes a
// JPEG thumbnail next to each. Keys are jobs/{account}/{job}/{n}.{ext}.
type Persister struct {
	store      adapter.ObjectStore
	http       *http.Client
	maxBytes   int64
	thumbWidth int
	log        *zerolog.Logger
}

func NewPersister(store adapter.ObjectStore, cfg config.StorageConfig, logger *zerolog.Logger) *Persister {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	maxBytes := cfg.MaxDownloadBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	width := cfg.ThumbnailWidth
	if width <= 0 {
		width = 384
	}
	l := logger.With().Str("component", "ResultPersister").Logger()
	return &Persister{
		store:      store,
		http:       &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		thumbWidth: width,
		log:        &l,
	}
}

// Persist fails as a whole when any output cannot be stored. Objects
// written before the failure are left in place.
func (p *Persister) Persist(ctx context.Context, job *model.Job, outputs []adapter.Output) ([]string, []string, error) {
	log := logging.With(ctx, p.log)
	results := make([]string, 0, len(outputs))
	thumbs := make([]string, 0, len(outputs))
	for i, out := range outputs {
		data, contentType, err := p.load(ctx, out)
		if err != nil {
			return nil, nil, err
		}
		base := fmt.Sprintf("jobs/%s/%s/%d", job.AccountID, job.ID, i)

		url, err := p.store.Put(ctx, base+extension(contentType), data, contentType)
		if err != nil {
			return nil, nil, asStorageError("put", base, err)
		}
		results = append(results, url)

		thumb, err := Thumbnail(data, p.thumbWidth)
		if err != nil {
			// a result that is not a decodable image still counts; it just has no preview
			log.Warn().Err(err).Int("output", i).Msg("thumbnail skipped")
			thumbs = append(thumbs, "")
			continue
		}
		turl, err := p.store.Put(ctx, base+"_thumb.jpg", thumb, "image/jpeg")
		if err != nil {
			return nil, nil, asStorageError("put", base+"_thumb.jpg", err)
		}
		thumbs = append(thumbs, turl)
	}
	log.Debug().Int("count", len(results)).Msg("results persisted")
	return results, thumbs, nil
}

func (p *Persister) load(ctx context.Context, out adapter.Output) ([]byte, string, error) {
	if len(out.Data) > 0 {
		ct := out.MimeType
		if ct == "" {
			ct = http.DetectContentType(out.Data)
		}
		return out.Data, ct, nil
	}
	if out.URL == "" {
		return nil, "", &domain.StorageError{Op: "fetch", Err: errors.New("output has neither url nor data")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, out.URL, nil)
	if err != nil {
		return nil, "", &domain.StorageError{Op: "fetch", Key: out.URL, Err: err}
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, "", &domain.StorageError{Op: "fetch", Key: out.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &domain.StorageError{Op: "fetch", Key: out.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", &domain.StorageError{Op: "fetch", Key: out.URL, Err: err}
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", &domain.StorageError{Op: "fetch", Key: out.URL, Err: fmt.Errorf("larger than %d bytes", p.maxBytes)}
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/octet-stream" {
		ct = mt
	} else {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}

// Thumbnail scales data down to width, keeping the aspect ratio, and
// encodes it as JPEG.
func Thumbnail(data []byte, width int) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxThumbnailPixels {
		return nil, fmt.Errorf("image %dx%d outside thumbnail bounds", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(82)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "application/zip":
		return ".zip"
	}
	return ".png"
}

func asStorageError(op, key string, err error) error {
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StorageError{Op: op, Key: key, Err: err}
}
