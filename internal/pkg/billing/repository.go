package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

// Repository provides DB operations used by the event processor.
type Repository interface {
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
	MarkWebhookFailed(ctx context.Context, id uint, processingError string) error
	UserExists(ctx context.Context, userID uint) (bool, error)
	FindUserIDByGatewayRef(ctx context.Context, subscriptionRef, customerRef string) (uint, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	if err := db.Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return false, nil, err
	}

	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// MarkWebhookFailed keeps the event open for redelivery.
func (r *gormRepository) MarkWebhookFailed(ctx context.Context, id uint, processingError string) error {
	updates := map[string]interface{}{
		"processed_at":     nil,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) UserExists(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error
	return count > 0, err
}

// FindUserIDByGatewayRef prefers the subscription ref and falls back to the
// customer ref. It returns 0 when nobody correlates.
func (r *gormRepository) FindUserIDByGatewayRef(ctx context.Context, subscriptionRef, customerRef string) (uint, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"gateway_subscription_ref", subscriptionRef},
		{"gateway_customer_ref", customerRef},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var user models.User
		err := r.db.WithContext(ctx).Select("id").Where(l.column+" = ?", l.value).First(&user).Error
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
	}
	return 0, nil
}
