// Package notification delivers in-app notices about payment decisions.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

var ErrNotFound = errors.New("notification: not found")

// Message is a single notice for one user.
type Message struct {
	UserID  uint
	Type    string
	Content string
	Data    map[string]interface{}
}

// Notifier delivers a message. Callers treat delivery as best effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Store persists notifications as rows the frontend polls.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Notify(ctx context.Context, msg Message) error {
	if msg.UserID == 0 {
		return errors.New("notification: user id is required")
	}
	n := &models.Notification{
		UserID:  msg.UserID,
		Type:    msg.Type,
		Content: msg.Content,
	}
	if len(msg.Data) > 0 {
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("notification: encode data: %w", err)
		}
		n.Data = datatypes.JSON(raw)
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("notification: store for user %d: %w", msg.UserID, err)
	}
	return nil
}

// ListForUser returns the newest notifications first.
func (s *Store) ListForUser(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("notification: list for user %d: %w", userID, err)
	}
	return out, nil
}

// MarkRead flags one of the user's notifications as read.
func (s *Store) MarkRead(ctx context.Context, userID, id uint) error {
	var n models.Notification
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("notification: load %d: %w", id, err)
	}
	return n.MarkAsRead(s.db.WithContext(ctx))
}

// Fanout delivers to every notifier and reports all failures together.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
