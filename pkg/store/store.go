package store

import "photoshare/pkg/domain"

// PhotoStats is a photo together with its aggregate counts and the
// viewer's own favorite flag.
type PhotoStats struct {
	Photo         domain.Photo
	CommentCount  int64
	FavoriteCount int64
	IsFavorited   bool
}

// Store is the persistence interface for photos, comments and favorites.
type Store interface {
	CreatePhoto(p domain.Photo) error
	GetPhoto(id string) (domain.Photo, bool, error)
	// GetPhotoStats loads one photo with counts and the viewer's favorite flag.
	GetPhotoStats(id, viewerID string) (PhotoStats, bool, error)
	// ListPhotos returns up to take photos owned by ownerID, ordered by
	// (created_at DESC, id DESC), starting strictly after the cursor row
	// when cursorID is non-empty. Counts and the owner's favorite flag are
	// resolved for the returned page.
	ListPhotos(ownerID string, take int, cursorID string) ([]PhotoStats, error)
	SetDimensions(id string, width, height int, status domain.PhotoStatus) error
	SetStatus(id string, status domain.PhotoStatus) error

	CreateComment(c domain.Comment) error
	ListComments(photoID string, limit int) ([]domain.Comment, error)
	GetComment(id string) (domain.Comment, bool, error)
	DeleteComment(id string) error

	AddFavorite(photoID, userID string) error
	RemoveFavorite(photoID, userID string) error
}
