package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"photoshare/pkg/domain"
)

const migrateLockID int64 = 52415241

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres DB and runs auto-migrations under an
// advisory lock so concurrent instances do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return migrate(tx)
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewStoreWithDB builds a store over an already-open GORM connection and
// migrates the schema. Used with the sqlite driver in tests.
func NewStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&PhotoModel{}, &CommentModel{}, &FavoriteModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreatePhoto persists a new photo record.
func (s *GormStore) CreatePhoto(p domain.Photo) error {
	model := photoToModel(p)
	return s.db.Create(&model).Error
}

// GetPhoto retrieves a photo by ID.
func (s *GormStore) GetPhoto(id string) (domain.Photo, bool, error) {
	var model PhotoModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Photo{}, false, nil
		}
		return domain.Photo{}, false, err
	}
	return photoFromModel(model), true, nil
}

// GetPhotoStats loads one photo with counts and the viewer's favorite flag.
func (s *GormStore) GetPhotoStats(id, viewerID string) (PhotoStats, bool, error) {
	photo, ok, err := s.GetPhoto(id)
	if err != nil || !ok {
		return PhotoStats{}, ok, err
	}
	stats, err := s.resolveStats([]domain.Photo{photo}, viewerID)
	if err != nil {
		return PhotoStats{}, false, err
	}
	return stats[0], true, nil
}

// ListPhotos returns one keyset page of the owner's photos with counts.
func (s *GormStore) ListPhotos(ownerID string, take int, cursorID string) ([]PhotoStats, error) {
	query := s.db.Where("owner_id = ?", ownerID)
	if cursorID != "" {
		var cursor PhotoModel
		err := s.db.Select("id", "created_at").
			First(&cursor, "id = ? AND owner_id = ?", cursorID, ownerID).Error
		if err == gorm.ErrRecordNotFound {
			// Cursor row vanished or belongs to someone else: nothing past it.
			return []PhotoStats{}, nil
		}
		if err != nil {
			return nil, err
		}
		query = query.Where(
			"created_at < ? OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var models []PhotoModel
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(take).
		Find(&models).Error; err != nil {
		return nil, err
	}
	photos := make([]domain.Photo, 0, len(models))
	for _, m := range models {
		photos = append(photos, photoFromModel(m))
	}
	return s.resolveStats(photos, ownerID)
}

type countRow struct {
	PhotoID string
	N       int64
}

// resolveStats batches comment counts, favorite counts and the viewer's
// favorite rows for one page of photos.
func (s *GormStore) resolveStats(photos []domain.Photo, viewerID string) ([]PhotoStats, error) {
	stats := make([]PhotoStats, 0, len(photos))
	if len(photos) == 0 {
		return stats, nil
	}
	ids := make([]string, 0, len(photos))
	for _, p := range photos {
		ids = append(ids, p.ID)
	}

	var commentCounts []countRow
	if err := s.db.Model(&CommentModel{}).
		Select("photo_id, COUNT(*) AS n").
		Where("photo_id IN ?", ids).
		Group("photo_id").
		Scan(&commentCounts).Error; err != nil {
		return nil, err
	}
	var favoriteCounts []countRow
	if err := s.db.Model(&FavoriteModel{}).
		Select("photo_id, COUNT(*) AS n").
		Where("photo_id IN ?", ids).
		Group("photo_id").
		Scan(&favoriteCounts).Error; err != nil {
		return nil, err
	}
	var viewerFavs []string
	if viewerID != "" {
		if err := s.db.Model(&FavoriteModel{}).
			Where("user_id = ? AND photo_id IN ?", viewerID, ids).
			Pluck("photo_id", &viewerFavs).Error; err != nil {
			return nil, err
		}
	}

	comments := make(map[string]int64, len(commentCounts))
	for _, row := range commentCounts {
		comments[row.PhotoID] = row.N
	}
	favorites := make(map[string]int64, len(favoriteCounts))
	for _, row := range favoriteCounts {
		favorites[row.PhotoID] = row.N
	}
	faved := make(map[string]struct{}, len(viewerFavs))
	for _, id := range viewerFavs {
		faved[id] = struct{}{}
	}

	for _, p := range photos {
		_, isFav := faved[p.ID]
		stats = append(stats, PhotoStats{
			Photo:         p,
			CommentCount:  comments[p.ID],
			FavoriteCount: favorites[p.ID],
			IsFavorited:   isFav,
		})
	}
	return stats, nil
}

// SetDimensions records derived pixel dimensions and advances status.
func (s *GormStore) SetDimensions(id string, width, height int, status domain.PhotoStatus) error {
	return s.db.Model(&PhotoModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"width":  width,
			"height": height,
			"status": string(status),
		}).Error
}

// SetStatus updates photo status only.
func (s *GormStore) SetStatus(id string, status domain.PhotoStatus) error {
	return s.db.Model(&PhotoModel{}).
		Where("id = ?", id).
		Update("status", string(status)).Error
}

// CreateComment records a comment.
func (s *GormStore) CreateComment(c domain.Comment) error {
	model := commentToModel(c)
	return s.db.Create(&model).Error
}

// ListComments returns a photo's comments in chronological order.
func (s *GormStore) ListComments(photoID string, limit int) ([]domain.Comment, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []CommentModel
	if err := s.db.Where("photo_id = ?", photoID).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	comments := make([]domain.Comment, 0, len(models))
	for _, m := range models {
		comments = append(comments, commentFromModel(m))
	}
	return comments, nil
}

// GetComment returns one comment by ID.
func (s *GormStore) GetComment(id string) (domain.Comment, bool, error) {
	var model CommentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Comment{}, false, nil
		}
		return domain.Comment{}, false, err
	}
	return commentFromModel(model), true, nil
}

// DeleteComment removes a comment.
func (s *GormStore) DeleteComment(id string) error {
	return s.db.Delete(&CommentModel{}, "id = ?", id).Error
}

// AddFavorite marks a photo as favorited by a user; repeats are no-ops.
func (s *GormStore) AddFavorite(photoID, userID string) error {
	model := FavoriteModel{
		PhotoID:   photoID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "photo_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// RemoveFavorite deletes the favorite relation if present.
func (s *GormStore) RemoveFavorite(photoID, userID string) error {
	return s.db.Delete(&FavoriteModel{}, "photo_id = ? AND user_id = ?", photoID, userID).Error
}

func photoToModel(p domain.Photo) PhotoModel {
	exif, _ := json.Marshal(p.Exif)
	if p.Exif == nil {
		exif = nil
	}
	return PhotoModel{
		ID:        p.ID,
		OwnerID:   p.OwnerID,
		ObjectKey: p.ObjectKey,
		Mime:      p.Mime,
		Bytes:     p.Bytes,
		SHA256:    p.SHA256,
		Width:     p.Width,
		Height:    p.Height,
		Exif:      exif,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
	}
}

func photoFromModel(m PhotoModel) domain.Photo {
	var exif map[string]string
	if len(m.Exif) > 0 {
		_ = json.Unmarshal(m.Exif, &exif)
	}
	return domain.Photo{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		ObjectKey: m.ObjectKey,
		Mime:      m.Mime,
		Bytes:     m.Bytes,
		SHA256:    m.SHA256,
		Width:     m.Width,
		Height:    m.Height,
		Exif:      exif,
		Status:    domain.PhotoStatus(m.Status),
		CreatedAt: m.CreatedAt,
	}
}

func commentToModel(c domain.Comment) CommentModel {
	return CommentModel{
		ID:        c.ID,
		PhotoID:   c.PhotoID,
		UserID:    c.UserID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
	}
}

func commentFromModel(m CommentModel) domain.Comment {
	return domain.Comment{
		ID:        m.ID,
		PhotoID:   m.PhotoID,
		UserID:    m.UserID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}
