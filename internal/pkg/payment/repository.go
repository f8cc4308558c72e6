package payment

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

// Repository provides the DB operations used by the payment service. Every
// guarded write is a single conditional statement.
type Repository interface {
	Create(ctx context.Context, p *models.Payment) error
	FindByID(ctx context.Context, id uint) (*models.Payment, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
	FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error)
	FindByReferenceCode(ctx context.Context, code string) (*models.Payment, error)
	HasOpenPayment(ctx context.Context, userID uint) (bool, error)
	Transition(ctx context.Context, id uint, from []models.PaymentStatus, updates map[string]interface{}) (bool, error)
	AdvanceSaga(ctx context.Context, id uint, from, to models.SagaStep) (bool, error)
	RecordSagaFailure(ctx context.Context, id uint, sagaErr string) error
	DeleteCancellable(ctx context.Context, id, userID uint) (bool, error)
	ListByUser(ctx context.Context, userID uint) ([]models.Payment, error)
	ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]models.Payment, error)
	ListNeedingReconciliation(ctx context.Context, limit int) ([]models.Payment, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

var openStatuses = []models.PaymentStatus{
	models.PaymentStatusPendingPayment,
	models.PaymentStatusPendingVerification,
}

func (r *gormRepository) Create(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) FindByID(ctx context.Context, id uint) (*models.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *gormRepository) FindBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	return r.first(ctx, "gateway_session_id = ?", sessionID)
}

func (r *gormRepository) FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error) {
	return r.first(ctx, "gateway_invoice_id = ?", invoiceID)
}

func (r *gormRepository) FindByReferenceCode(ctx context.Context, code string) (*models.Payment, error) {
	return r.first(ctx, "reference_code = ?", code)
}

func (r *gormRepository) first(ctx context.Context, query string, arg interface{}) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where(query, arg).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) HasOpenPayment(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("user_id = ? AND status IN ?", userID, openStatuses).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) Transition(ctx context.Context, id uint, from []models.PaymentStatus, updates map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AdvanceSaga moves the step marker from one step to the next. It reports
// false when another runner already moved it.
func (r *gormRepository) AdvanceSaga(ctx context.Context, id uint, from, to models.SagaStep) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND saga_step = ?", id, from).
		Updates(map[string]interface{}{"saga_step": to, "saga_error": "", "saga_attempts": 0})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) RecordSagaFailure(ctx context.Context, id uint, sagaErr string) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"saga_error": sagaErr, "saga_attempts": gorm.Expr("saga_attempts + 1")}).Error
}

func (r *gormRepository) DeleteCancellable(ctx context.Context, id, userID uint) (bool, error) {
	legacy := make([]string, 0, len(models.LegacyPackages))
	for p := range models.LegacyPackages {
		legacy = append(legacy, string(p))
	}
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Where(r.db.Where("status = ?", models.PaymentStatusPendingPayment).Or("package_id IN ?", legacy)).
		Delete(&models.Payment{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) ListByUser(ctx context.Context, userID uint) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

func (r *gormRepository) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC, id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// ListNeedingReconciliation skips payments that used up MaxSagaAttempts;
// those wait for an admin retry.
func (r *gormRepository) ListNeedingReconciliation(ctx context.Context, limit int) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND source <> ? AND saga_step <> ? AND saga_attempts < ?",
			models.PaymentStatusApproved, models.PaymentSourceGatewayInvoice, models.SagaStepQuotaPrimed, MaxSagaAttempts).
		Order("approved_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// isDuplicateKey recognises unique violations from drivers that do not
// translate them to gorm.ErrDuplicatedKey.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
