// Package payment implements the payment lifecycle for both acquisition
// paths: manual bank transfer reviewed by an admin, and gateway checkout.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/notification"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/shortener"
)

const (
	DefaultStepTimeout = 10 * time.Second
	MaxDurationMonths  = 36
	// MaxSagaAttempts bounds automatic retries of a failed approval step.
	MaxSagaAttempts = 12

	referenceAttempts = 3
	defaultListLimit  = 100
)

// Granter activates premium access.
type Granter interface {
	GrantFrom(ctx context.Context, userID uint, anchor time.Time, months int, ref *entitlements.CorrelationRef) (time.Time, error)
}

// QuotaPrimer opens today's usage record under a tier.
type QuotaPrimer interface {
	GetOrCreateToday(ctx context.Context, userID uint, tier models.Tier) (*models.UsageLimit, error)
}

// Reconciler schedules a later retry of an incomplete approval.
type Reconciler interface {
	EnqueueReconcile(ctx context.Context, paymentID uint) error
}

// Service runs the payment state machine.
type Service struct {
	repo        Repository
	grants      Granter
	quota       QuotaPrimer
	notifier    notification.Notifier
	reconciler  Reconciler
	validate    *validator.Validate
	stepTimeout time.Duration
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithReconciler(r Reconciler) Option {
	return func(s *Service) { s.reconciler = r }
}

func WithStepTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stepTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a payment service from an injected repository.
func NewService(repo Repository, grants Granter, quota QuotaPrimer, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		grants:      grants,
		quota:       quota,
		validate:    validator.New(),
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a payment service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, grants Granter, quota QuotaPrimer, opts ...Option) *Service {
	return NewService(NewRepository(db), grants, quota, opts...)
}

// StepTimeoutFromEnv reads PAYMENT_STEP_TIMEOUT.
func StepTimeoutFromEnv() time.Duration {
	return env.GetEnvDuration("PAYMENT_STEP_TIMEOUT", DefaultStepTimeout)
}

// SetReconciler wires the job queue after both sides are constructed.
func (s *Service) SetReconciler(r Reconciler) {
	s.reconciler = r
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreateInput is the user's package selection on the manual path.
type CreateInput struct {
	Package        string          `json:"package" validate:"required,max=32"`
	PackageType    string          `json:"package_type" validate:"omitempty,max=16"`
	Amount         decimal.Decimal `json:"amount"`
	DurationMonths int             `json:"duration_months" validate:"required,min=1,max=36"`
}

// Create opens a manual payment in pending_payment.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*models.Payment, error) {
	if actor.UserID == 0 {
		return nil, ErrForbidden
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	pkg, err := models.ParsePackage(in.Package)
	if err != nil || pkg != models.PackagePro {
		return nil, validationError("package %q cannot be purchased", in.Package)
	}
	tier := pkg.Tier()
	if in.PackageType != "" {
		if tier, err = models.ParseTier(in.PackageType); err != nil || tier != models.TierPro {
			return nil, validationError("package type %q is not valid for manual payments", in.PackageType)
		}
	}
	if !in.Amount.IsPositive() {
		return nil, validationError("amount must be positive")
	}

	open, err := s.repo.HasOpenPayment(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("payment: check open payments: %w", err)
	}
	if open {
		return nil, ErrDuplicatePendingPayment
	}

	slot := actor.UserID
	p := &models.Payment{
		UserID:         actor.UserID,
		PackageID:      pkg,
		PackageType:    tier,
		Amount:         in.Amount.Round(2),
		DurationMonths: in.DurationMonths,
		Status:         models.PaymentStatusPendingPayment,
		Source:         models.PaymentSourceManual,
		OpenSlot:       &slot,
	}
	if err := s.insert(ctx, p); err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicatePendingPayment
		}
		return nil, err
	}

	log.Infof("[Payment] Created payment %d (%s) for user %d", p.ID, p.ReferenceCode, p.UserID)
	return p, nil
}

// insert assigns a reference code and retries the rare collision. Any other
// unique violation is returned as is.
func (s *Service) insert(ctx context.Context, p *models.Payment) error {
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		code, err := shortener.NewReferenceCode()
		if err != nil {
			return fmt.Errorf("payment: reference code: %w", err)
		}
		p.ReferenceCode = code
		p.ID = 0

		err = s.repo.Create(ctx, p)
		if err == nil {
			return nil
		}
		if !isDuplicateKey(err) {
			return fmt.Errorf("payment: create: %w", err)
		}
		if _, lookupErr := s.repo.FindByReferenceCode(ctx, code); lookupErr != nil {
			return err
		}
		log.Warnf("[Payment] Reference code collision on %s, retrying", code)
	}
	return fmt.Errorf("payment: could not allocate a unique reference code")
}

// UploadProof attaches a proof reference and moves the payment to review.
// A rejected payment can be resubmitted this way; the old rejection is cleared.
func (s *Service) UploadProof(ctx context.Context, actor Actor, paymentID uint, proofRef string) (*models.Payment, error) {
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, validationError("proof reference is required")
	}
	if len(proofRef) > 500 {
		return nil, validationError("proof reference is too long")
	}

	p, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.IsOwnedBy(actor.UserID) {
		return nil, ErrForbidden
	}
	if p.Source != models.PaymentSourceManual {
		return nil, &InvalidTransitionError{PaymentID: p.ID, Action: "upload proof for", Current: p.Status}
	}

	now := s.clock()
	updated, err := s.transition(ctx, paymentID, "upload proof for",
		[]models.PaymentStatus{models.PaymentStatusPendingPayment, models.PaymentStatusRejected},
		map[string]interface{}{
			"status":            models.PaymentStatusPendingVerification,
			"proof_ref":         proofRef,
			"proof_uploaded_at": now,
			"rejection_reason":  "",
			"rejected_at":       nil,
			"rejected_by":       nil,
			"open_slot":         p.UserID,
		})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicatePendingPayment
		}
		return nil, err
	}

	log.Infof("[Payment] Proof uploaded for payment %d by user %d", updated.ID, updated.UserID)
	return updated, nil
}

// Approve marks a payment approved and runs the activation steps. When a
// step after the status change fails, the approved payment is returned
// together with a *PartialFailureError.
func (s *Service) Approve(ctx context.Context, actor Actor, paymentID uint, notes string) (*models.Payment, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	now := s.clock()
	updates := map[string]interface{}{
		"status":      models.PaymentStatusApproved,
		"approved_at": now,
		"admin_notes": strings.TrimSpace(notes),
		"open_slot":   nil,
		"saga_step":   models.SagaStepApproved,
		"saga_error":  "",
	}
	if actor.UserID != 0 {
		updates["approved_by"] = actor.UserID
	}
	p, err := s.transition(ctx, paymentID, "approve",
		[]models.PaymentStatus{models.PaymentStatusPendingVerification}, updates)
	if err != nil {
		return nil, err
	}
	log.Infof("[Payment] Payment %d approved by admin %d", p.ID, actor.UserID)

	return p, s.runSaga(ctx, p, true)
}

// Reject closes a payment under review with a mandatory reason.
func (s *Service) Reject(ctx context.Context, actor Actor, paymentID uint, reason string) (*models.Payment, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrMissingReason
	}

	updates := map[string]interface{}{
		"status":           models.PaymentStatusRejected,
		"rejection_reason": reason,
		"rejected_at":      s.clock(),
		"open_slot":        nil,
	}
	if actor.UserID != 0 {
		updates["rejected_by"] = actor.UserID
	}
	p, err := s.transition(ctx, paymentID, "reject",
		[]models.PaymentStatus{models.PaymentStatusPendingVerification}, updates)
	if err != nil {
		return nil, err
	}

	log.Infof("[Payment] Payment %d rejected by admin %d", p.ID, actor.UserID)
	s.notify(ctx, notification.Message{
		UserID:  p.UserID,
		Type:    models.NotificationTypePaymentRejected,
		Content: fmt.Sprintf("Your payment %s was rejected: %s", p.ReferenceCode, reason),
		Data: map[string]interface{}{
			"payment_id":     p.ID,
			"reference_code": p.ReferenceCode,
			"reason":         reason,
		},
	})
	return p, nil
}

// Cancel deletes the owner's payment while it is still pending_payment, or
// at any status when it carries a legacy package.
func (s *Service) Cancel(ctx context.Context, actor Actor, paymentID uint) (*models.Payment, error) {
	p, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.IsOwnedBy(actor.UserID) {
		return nil, ErrForbidden
	}
	if p.Status != models.PaymentStatusPendingPayment && !p.PackageID.IsLegacy() {
		return nil, &InvalidTransitionError{PaymentID: p.ID, Action: "cancel", Current: p.Status}
	}

	deleted, err := s.repo.DeleteCancellable(ctx, paymentID, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("payment: cancel %d: %w", paymentID, err)
	}
	if !deleted {
		current, err := s.repo.FindByID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{PaymentID: current.ID, Action: "cancel", Current: current.Status}
	}

	log.Infof("[Payment] Payment %d cancelled by user %d", p.ID, actor.UserID)
	return p, nil
}

// Get returns a payment to its owner or an admin.
func (s *Service) Get(ctx context.Context, actor Actor, paymentID uint) (*models.Payment, error) {
	p, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !p.IsOwnedBy(actor.UserID) {
		return nil, ErrForbidden
	}
	return p, nil
}

// ListForUser returns the caller's payments, newest first.
func (s *Service) ListForUser(ctx context.Context, actor Actor) ([]models.Payment, error) {
	if actor.UserID == 0 {
		return nil, ErrForbidden
	}
	return s.repo.ListByUser(ctx, actor.UserID)
}

// ListByStatus is the admin review queue. An empty status lists payments
// waiting for verification.
func (s *Service) ListByStatus(ctx context.Context, actor Actor, status string) ([]models.Payment, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	st := models.PaymentStatusPendingVerification
	if status != "" {
		parsed, err := models.ParsePaymentStatus(status)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		st = parsed
	}
	return s.repo.ListByStatus(ctx, st, defaultListLimit)
}

// transition applies a guarded status change and reloads the row. When the
// guard refuses, the error names the status found.
func (s *Service) transition(ctx context.Context, id uint, action string, from []models.PaymentStatus, updates map[string]interface{}) (*models.Payment, error) {
	ok, err := s.repo.Transition(ctx, id, from, updates)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, err
		}
		return nil, fmt.Errorf("payment: %s %d: %w", action, id, err)
	}
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &InvalidTransitionError{PaymentID: id, Action: action, Current: p.Status}
	}
	return p, nil
}

func (s *Service) notifyApproved(ctx context.Context, p *models.Payment) {
	data := map[string]interface{}{
		"payment_id":     p.ID,
		"reference_code": p.ReferenceCode,
		"package":        string(p.PackageID),
	}
	if p.ApprovedAt != nil {
		data["approved_at"] = p.ApprovedAt.UTC().Format(time.RFC3339)
	}
	s.notify(ctx, notification.Message{
		UserID:  p.UserID,
		Type:    models.NotificationTypePaymentApproved,
		Content: fmt.Sprintf("Your payment %s was approved. Pro is active.", p.ReferenceCode),
		Data:    data,
	})
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stepTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, msg); err != nil {
		log.Warnf("[Payment] Notification %s for user %d failed: %v", msg.Type, msg.UserID, err)
	}
}
