package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"photoshare/internal/parallel"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
	"photoshare/pkg/storage"
)

// exifTakenAtKey is the metadata hint carrying capture time; when present
// and parseable it becomes the record's createdAt so listings order by
// capture time rather than ingestion time.
const exifTakenAtKey = "taken_at"

// UploadGrant is a presigned upload capability plus a matching preview URL.
type UploadGrant struct {
	Key        string `json:"key"`
	URL        string `json:"url"`
	PreviewURL string `json:"previewUrl"`
	ExpiresIn  int    `json:"expiresIn"`
}

// DownloadGrant is a presigned read capability for one object.
type DownloadGrant struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}

// PresignUpload issues a presigned PUT URL for a direct client upload.
// When key is empty a date-partitioned key is derived from the content type.
func (a *App) PresignUpload(ctx context.Context, contentType, key string) (UploadGrant, error) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return UploadGrant{}, invalidf("contentType", "required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = storage.NewObjectKey(contentType)
	}
	url, err := a.objects.PresignPut(ctx, key, defaultPresignTTL)
	if err != nil {
		return UploadGrant{}, fmt.Errorf("presign upload: %w", err)
	}
	previewURL, err := a.objects.PresignGet(ctx, key, defaultPresignTTL)
	if err != nil {
		return UploadGrant{}, fmt.Errorf("presign preview: %w", err)
	}
	return UploadGrant{
		Key:        key,
		URL:        url,
		PreviewURL: previewURL,
		ExpiresIn:  int(defaultPresignTTL.Seconds()),
	}, nil
}

// PresignDownload issues a presigned GET URL for one object key.
func (a *App) PresignDownload(ctx context.Context, key string) (DownloadGrant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return DownloadGrant{}, invalidf("key", "required")
	}
	url, err := a.objects.PresignGet(ctx, key, defaultPresignTTL)
	if err != nil {
		return DownloadGrant{}, fmt.Errorf("presign download: %w", err)
	}
	return DownloadGrant{Key: key, URL: url, ExpiresIn: int(defaultPresignTTL.Seconds())}, nil
}

// CompleteParams registers a finished direct upload.
type CompleteParams struct {
	Key      string
	Mime     string
	Bytes    int64
	SHA256   string
	ExifHint map[string]string
	Presign  bool
	TTL      int
}

// CompleteUpload verifies the uploaded object exists, creates the photo
// record, submits it for best-effort analysis and returns the shaped item.
func (a *App) CompleteUpload(ctx context.Context, userID string, p CompleteParams) (domain.PhotoItem, error) {
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return domain.PhotoItem{}, invalidf("key", "required")
	}
	if strings.TrimSpace(p.Mime) == "" {
		return domain.PhotoItem{}, invalidf("mime", "required")
	}
	if p.Bytes < 1 {
		return domain.PhotoItem{}, invalidf("bytes", "must be >= 1")
	}
	ttl, err := resolveTTL(p.TTL)
	if err != nil {
		return domain.PhotoItem{}, err
	}

	// The object must exist before any record is created; a client claim
	// alone would allow rows referencing objects that were never uploaded.
	exists, err := a.objects.Exists(ctx, key)
	if err != nil {
		return domain.PhotoItem{}, fmt.Errorf("check object: %w", err)
	}
	if !exists {
		return domain.PhotoItem{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	createdAt := time.Now().UTC()
	if hint := strings.TrimSpace(p.ExifHint[exifTakenAtKey]); hint != "" {
		if t, err := time.Parse(time.RFC3339, hint); err == nil {
			createdAt = t.UTC()
		}
	}
	photo := domain.Photo{
		ID:        uuid.NewString(),
		OwnerID:   userID,
		ObjectKey: key,
		Mime:      p.Mime,
		Bytes:     p.Bytes,
		SHA256:    p.SHA256,
		Exif:      p.ExifHint,
		Status:    domain.StatusUploaded,
		CreatedAt: createdAt,
	}
	if err := a.store.CreatePhoto(photo); err != nil {
		return domain.PhotoItem{}, fmt.Errorf("create photo: %w", err)
	}

	// Best-effort: an analysis outage must not fail the upload.
	if a.analysis != nil {
		if _, err := a.analysis.Enqueue(ctx, photo.ID); err != nil {
			util.LoggerFromContext(ctx).Warn("enqueue analysis failed", "photo_id", photo.ID, "err", err)
		}
	}

	stats, ok, err := a.store.GetPhotoStats(photo.ID, userID)
	if err != nil {
		return domain.PhotoItem{}, fmt.Errorf("reload photo: %w", err)
	}
	if !ok {
		return domain.PhotoItem{}, fmt.Errorf("%w: %s", ErrPhotoNotFound, photo.ID)
	}
	var previewURL *string
	if p.Presign && domain.IsImageKey(key) {
		url, err := a.objects.PresignGet(ctx, key, ttl)
		if err != nil {
			return domain.PhotoItem{}, fmt.Errorf("presign preview: %w", err)
		}
		previewURL = &url
	}
	return shapeItem(stats, previewURL), nil
}

// ListStorageParams control the raw bucket listing. Token is the
// continuation token from a previous page's NextToken.
type ListStorageParams struct {
	Prefix     string
	Token      string
	Limit      int
	Presign    bool
	TTL        int
	OnlyImages bool
}

// StorageItem is one bucket entry, optionally with a preview URL.
type StorageItem struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	PreviewURL   *string   `json:"previewUrl"`
}

// StorageListing is the raw bucket listing response. NextToken is set when
// more objects remain past this page.
type StorageListing struct {
	Items     []StorageItem `json:"items"`
	Prefix    string        `json:"prefix"`
	Limit     int           `json:"limit"`
	NextToken *string       `json:"nextToken"`
}

// ListStorage lists bucket objects under a prefix, presigning preview URLs
// for image keys (or all keys when OnlyImages is false).
func (a *App) ListStorage(ctx context.Context, p ListStorageParams) (StorageListing, error) {
	limit := p.Limit
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > 1000 {
		return StorageListing{}, invalidf("limit", "must be between 1 and 1000")
	}
	ttl, err := resolveTTL(p.TTL)
	if err != nil {
		return StorageListing{}, err
	}

	objects, token, err := a.objects.List(ctx, p.Prefix, p.Token, limit)
	if err != nil {
		return StorageListing{}, fmt.Errorf("list storage: %w", err)
	}
	items, err := parallel.MapLimit(ctx, objects, presignLimit, func(ctx context.Context, obj storage.ObjectInfo) (StorageItem, error) {
		item := StorageItem{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}
		if !p.Presign {
			return item, nil
		}
		if p.OnlyImages && !domain.IsImageKey(obj.Key) {
			return item, nil
		}
		url, err := a.objects.PresignGet(ctx, obj.Key, ttl)
		if err != nil {
			return StorageItem{}, fmt.Errorf("presign %s: %w", obj.Key, err)
		}
		item.PreviewURL = &url
		return item, nil
	})
	if err != nil {
		return StorageListing{}, err
	}
	var nextToken *string
	if token != "" {
		nextToken = &token
	}
	return StorageListing{Items: items, Prefix: p.Prefix, Limit: limit, NextToken: nextToken}, nil
}
