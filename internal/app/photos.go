package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"photoshare/internal/parallel"
	"photoshare/pkg/domain"
	"photoshare/pkg/store"
)

// ListParams are the listing query parameters after HTTP-level parsing.
// Zero values select the documented defaults.
type ListParams struct {
	Take    int
	Cursor  string
	Group   string
	Presign bool
	TTL     int
}

// ListResult is the grouped listing page.
type ListResult struct {
	Grouped    map[string][]domain.PhotoItem `json:"grouped"`
	NextCursor *string                       `json:"nextCursor"`
}

// ListPhotos returns one page of the caller's photos, enriched with counts
// and presigned preview URLs, grouped by the requested temporal key.
func (a *App) ListPhotos(ctx context.Context, userID string, p ListParams) (ListResult, error) {
	take := p.Take
	if take == 0 {
		take = defaultTake
	}
	if take < 1 || take > maxTake {
		return ListResult{}, invalidf("take", "must be between 1 and %d", maxTake)
	}
	ttl, err := resolveTTL(p.TTL)
	if err != nil {
		return ListResult{}, err
	}
	group, ok := domain.ParseGroupMode(p.Group)
	if !ok {
		return ListResult{}, invalidf("group", "must be one of ym, ymd, all")
	}
	if p.Cursor != "" {
		if _, err := uuid.Parse(p.Cursor); err != nil {
			return ListResult{}, invalidf("cursor", "malformed photo id")
		}
	}

	page, err := a.store.ListPhotos(userID, take, p.Cursor)
	if err != nil {
		return ListResult{}, fmt.Errorf("list photos: %w", err)
	}

	items, err := a.shapeItems(ctx, page, p.Presign, ttl)
	if err != nil {
		return ListResult{}, err
	}

	grouped := make(map[string][]domain.PhotoItem)
	if group == domain.GroupAll {
		grouped["all"] = items
	} else {
		for _, item := range items {
			key := group.GroupKey(item.CreatedAt)
			grouped[key] = append(grouped[key], item)
		}
	}

	var nextCursor *string
	if len(items) == take {
		last := items[len(items)-1].ID
		nextCursor = &last
	}
	return ListResult{Grouped: grouped, NextCursor: nextCursor}, nil
}

// shapeItems converts a repository page into wire items, generating
// preview URLs with a bounded number of signing calls in flight.
func (a *App) shapeItems(ctx context.Context, page []store.PhotoStats, presign bool, ttl time.Duration) ([]domain.PhotoItem, error) {
	items, err := parallel.MapLimit(ctx, page, presignLimit, func(ctx context.Context, ps store.PhotoStats) (domain.PhotoItem, error) {
		var previewURL *string
		if presign && domain.IsImageKey(ps.Photo.ObjectKey) {
			url, err := a.objects.PresignGet(ctx, ps.Photo.ObjectKey, ttl)
			if err != nil {
				return domain.PhotoItem{}, fmt.Errorf("presign preview %s: %w", ps.Photo.ObjectKey, err)
			}
			previewURL = &url
		}
		return shapeItem(ps, previewURL), nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func shapeItem(ps store.PhotoStats, previewURL *string) domain.PhotoItem {
	p := ps.Photo
	return domain.PhotoItem{
		ID:            p.ID,
		ObjectKey:     p.ObjectKey,
		Mime:          p.Mime,
		Bytes:         p.Bytes,
		CreatedAt:     p.CreatedAt,
		Width:         p.Width,
		Height:        p.Height,
		ExifJSON:      p.Exif,
		Status:        p.Status,
		PreviewURL:    previewURL,
		FavoriteCount: ps.FavoriteCount,
		CommentCount:  ps.CommentCount,
		IsFavorited:   ps.IsFavorited,
	}
}
