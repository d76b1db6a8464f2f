package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type PhotoModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null;index:idx_photo_owner_created,priority:1"`
	ObjectKey string `gorm:"uniqueIndex;not null"`
	Mime      string
	Bytes     int64 `gorm:"not null"`
	SHA256    string
	Width     *int
	Height    *int
	Exif      datatypes.JSON `gorm:"type:jsonb"`
	Status    string         `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_photo_owner_created,priority:2"`
}

type CommentModel struct {
	ID        string `gorm:"primaryKey"`
	PhotoID   string `gorm:"not null;index"`
	UserID    string `gorm:"not null"`
	Body      string `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type FavoriteModel struct {
	PhotoID   string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}
