package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"

	_ "golang.org/x/image/webp"

	"photoshare/internal/util"
	"photoshare/pkg/domain"
	"photoshare/pkg/queue"
	"photoshare/pkg/store"
)

// ObjectGetter reads stored object content.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Analyzer extracts image dimensions for uploaded photos. It runs as the
// handler of the analysis queue: a returned error makes the queue retry,
// and once the attempt budget is spent the photo is marked failed.
type Analyzer struct {
	store       store.Store
	objects     ObjectGetter
	maxAttempts int
}

func New(s store.Store, objects ObjectGetter, maxAttempts int) *Analyzer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Analyzer{store: s, objects: objects, maxAttempts: maxAttempts}
}

// Handle processes one analysis job.
func (a *Analyzer) Handle(ctx context.Context, job queue.JobStatus) error {
	log := util.LoggerFromContext(ctx).With("photo_id", job.PhotoID, "attempt", job.Attempts)

	photo, ok, err := a.store.GetPhoto(job.PhotoID)
	if err != nil {
		return a.fail(log, job, fmt.Errorf("load photo: %w", err))
	}
	if !ok {
		// The photo was deleted between enqueue and processing; nothing
		// to analyze and nothing to retry.
		log.Warn("photo gone, dropping analysis job")
		return nil
	}
	if photo.Status == domain.StatusReady {
		return nil
	}

	body, err := a.objects.Get(ctx, photo.ObjectKey)
	if err != nil {
		return a.fail(log, job, fmt.Errorf("fetch object %s: %w", photo.ObjectKey, err))
	}
	defer body.Close()

	cfg, format, err := image.DecodeConfig(body)
	if errors.Is(err, image.ErrFormat) {
		// No registered decoder for this content (heic uploads, videos,
		// arbitrary blobs). Retrying cannot help, and the photo itself is
		// fine; it goes ready without dimensions.
		if err := a.store.SetStatus(photo.ID, domain.StatusReady); err != nil {
			return a.fail(log, job, fmt.Errorf("mark ready: %w", err))
		}
		log.Info("photo ready without dimensions, undecodable format")
		return nil
	}
	if err != nil {
		return a.fail(log, job, fmt.Errorf("decode %s: %w", photo.ObjectKey, err))
	}

	if err := a.store.SetDimensions(photo.ID, cfg.Width, cfg.Height, domain.StatusReady); err != nil {
		return a.fail(log, job, fmt.Errorf("save dimensions: %w", err))
	}
	log.Info("photo analyzed", "format", format, "width", cfg.Width, "height", cfg.Height)
	return nil
}

// fail returns the analysis error for the queue to retry; on the last
// allowed attempt it first marks the photo as permanently failed.
func (a *Analyzer) fail(log *slog.Logger, job queue.JobStatus, err error) error {
	if job.Attempts >= a.maxAttempts {
		if serr := a.store.SetStatus(job.PhotoID, domain.StatusAnalyzeFailed); serr != nil {
			log.Warn("mark analyze failed", "err", serr)
		}
	}
	log.Warn("analysis failed", "err", err)
	return err
}
