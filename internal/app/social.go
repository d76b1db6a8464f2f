package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"photoshare/pkg/domain"
)

const (
	maxCommentLength = 2000
	commentPageSize  = 100
)

// ListComments returns a photo's comments in chronological order.
func (a *App) ListComments(ctx context.Context, photoID string) ([]domain.Comment, error) {
	if err := a.requirePhoto(photoID); err != nil {
		return nil, err
	}
	comments, err := a.store.ListComments(photoID, commentPageSize)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// CreateComment attaches a comment to a photo. The body is trimmed and
// must be 1-2000 characters.
func (a *App) CreateComment(ctx context.Context, userID, photoID, body string) (domain.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Comment{}, invalidf("body", "must not be empty")
	}
	if len([]rune(body)) > maxCommentLength {
		return domain.Comment{}, invalidf("body", "must be at most %d characters", maxCommentLength)
	}
	if err := a.requirePhoto(photoID); err != nil {
		return domain.Comment{}, err
	}
	comment := domain.Comment{
		ID:        uuid.NewString(),
		PhotoID:   photoID,
		UserID:    userID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateComment(comment); err != nil {
		return domain.Comment{}, fmt.Errorf("create comment: %w", err)
	}
	return comment, nil
}

// DeleteComment removes the caller's own comment from a photo.
func (a *App) DeleteComment(ctx context.Context, userID, photoID, commentID string) error {
	comment, ok, err := a.store.GetComment(commentID)
	if err != nil {
		return fmt.Errorf("load comment: %w", err)
	}
	if !ok || comment.PhotoID != photoID {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}
	if comment.UserID != userID {
		return ErrForbidden
	}
	if err := a.store.DeleteComment(commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// AddFavorite marks a photo as favorited by the caller; repeats are no-ops.
func (a *App) AddFavorite(ctx context.Context, userID, photoID string) error {
	if err := a.requirePhoto(photoID); err != nil {
		return err
	}
	if err := a.store.AddFavorite(photoID, userID); err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	return nil
}

// RemoveFavorite clears the caller's favorite; absent relations succeed.
func (a *App) RemoveFavorite(ctx context.Context, userID, photoID string) error {
	if err := a.requirePhoto(photoID); err != nil {
		return err
	}
	if err := a.store.RemoveFavorite(photoID, userID); err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	return nil
}

func (a *App) requirePhoto(photoID string) error {
	_, ok, err := a.store.GetPhoto(photoID)
	if err != nil {
		return fmt.Errorf("load photo: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPhotoNotFound, photoID)
	}
	return nil
}
