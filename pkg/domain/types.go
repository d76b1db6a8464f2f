package domain

import (
	"path"
	"strings"
	"time"
)

type PhotoStatus string

const (
	StatusUploaded      PhotoStatus = "UPLOADED"
	StatusReady         PhotoStatus = "READY"
	StatusAnalyzeFailed PhotoStatus = "ANALYZE_FAILED"
)

// Photo is an identity-owned record describing one stored object.
type Photo struct {
	ID        string
	OwnerID   string
	ObjectKey string
	Mime      string
	Bytes     int64
	SHA256    string
	Width     *int
	Height    *int
	Exif      map[string]string
	Status    PhotoStatus
	CreatedAt time.Time
}

// Comment belongs to exactly one photo and one author.
type Comment struct {
	ID        string    `json:"id"`
	PhotoID   string    `json:"photoId"`
	UserID    string    `json:"userId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// PhotoItem is the wire shape of a photo enriched with counts, the
// caller's favorite flag and an optional presigned preview URL.
type PhotoItem struct {
	ID            string            `json:"id"`
	ObjectKey     string            `json:"objectKey"`
	Mime          string            `json:"mime"`
	Bytes         int64             `json:"bytes"`
	CreatedAt     time.Time         `json:"createdAt"`
	Width         *int              `json:"width"`
	Height        *int              `json:"height"`
	ExifJSON      map[string]string `json:"exifJson"`
	Status        PhotoStatus       `json:"status"`
	PreviewURL    *string           `json:"previewUrl"`
	FavoriteCount int64             `json:"favoriteCount"`
	CommentCount  int64             `json:"commentCount"`
	IsFavorited   bool              `json:"isFavorited"`
}

// GroupMode selects the temporal grouping of listing results.
type GroupMode string

const (
	GroupYearMonth    GroupMode = "ym"
	GroupYearMonthDay GroupMode = "ymd"
	GroupAll          GroupMode = "all"
)

// ParseGroupMode validates a group query value; empty means the default ymd.
func ParseGroupMode(raw string) (GroupMode, bool) {
	switch GroupMode(raw) {
	case "":
		return GroupYearMonthDay, true
	case GroupYearMonth, GroupYearMonthDay, GroupAll:
		return GroupMode(raw), true
	}
	return "", false
}

// GroupKey derives the bucket key for a timestamp under the given mode.
func (g GroupMode) GroupKey(t time.Time) string {
	switch g {
	case GroupYearMonth:
		return t.Format("2006-01")
	case GroupYearMonthDay:
		return t.Format("2006-01-02")
	default:
		return "all"
	}
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".gif":  {},
	".heic": {},
	".heif": {},
}

// IsImageKey reports whether an object key carries a known image extension.
func IsImageKey(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	_, ok := imageExtensions[ext]
	return ok
}
