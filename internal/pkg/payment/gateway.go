package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

// GatewayCheckout is a paid checkout session resolved to a local user.
type GatewayCheckout struct {
	UserID          uint
	Package         models.Package
	Amount          decimal.Decimal
	DurationMonths  int
	SessionID       string
	PaymentIntentID string
	CustomerRef     string
	SubscriptionRef string
}

// ApproveGatewayCheckout records a completed checkout as an approved payment
// and runs the activation steps. The session id is unique, so a redelivered
// event finds the existing row; it is resumed if incomplete and otherwise
// left alone. created reports whether this call inserted the row.
func (s *Service) ApproveGatewayCheckout(ctx context.Context, in GatewayCheckout) (p *models.Payment, created bool, err error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		return nil, false, validationError("checkout session id is required")
	}
	if in.UserID == 0 {
		return nil, false, validationError("checkout user is required")
	}
	if in.Package == "" {
		in.Package = models.PackagePro
	}
	if in.DurationMonths <= 0 {
		in.DurationMonths = 1
	}
	if in.DurationMonths > MaxDurationMonths {
		return nil, false, validationError("duration %d exceeds %d months", in.DurationMonths, MaxDurationMonths)
	}

	if existing, err := s.repo.FindBySessionID(ctx, in.SessionID); err == nil {
		return s.redelivered(ctx, existing)
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, fmt.Errorf("payment: lookup session %s: %w", in.SessionID, err)
	}

	now := s.clock()
	session := in.SessionID
	p = &models.Payment{
		UserID:                 in.UserID,
		PackageID:              in.Package,
		PackageType:            in.Package.Tier(),
		Amount:                 in.Amount.Round(2),
		DurationMonths:         in.DurationMonths,
		Status:                 models.PaymentStatusApproved,
		Source:                 models.PaymentSourceGatewayCheckout,
		GatewaySessionID:       &session,
		GatewayPaymentIntentID: in.PaymentIntentID,
		GatewayCustomerRef:     in.CustomerRef,
		GatewaySubscriptionRef: in.SubscriptionRef,
		ApprovedAt:             &now,
		SagaStep:               models.SagaStepApproved,
	}
	if err := s.insert(ctx, p); err != nil {
		if isDuplicateKey(err) {
			existing, lookupErr := s.repo.FindBySessionID(ctx, in.SessionID)
			if lookupErr == nil {
				return s.redelivered(ctx, existing)
			}
		}
		return nil, false, err
	}
	log.Infof("[Payment] Gateway checkout %s approved as payment %d for user %d", session, p.ID, p.UserID)

	return p, true, s.runSaga(ctx, p, true)
}

func (s *Service) redelivered(ctx context.Context, existing *models.Payment) (*models.Payment, bool, error) {
	if !existing.NeedsReconciliation() {
		log.Infof("[Payment] Checkout for payment %d already processed", existing.ID)
		return existing, false, nil
	}
	p, err := s.ResumeApproval(ctx, existing.ID)
	return p, false, err
}

// GatewayInvoice is a recurring billing outcome for a known user.
type GatewayInvoice struct {
	UserID          uint
	InvoiceID       string
	PaymentIntentID string
	CustomerRef     string
	SubscriptionRef string
	Amount          decimal.Decimal
	DurationMonths  int
	Paid            bool
	FailureReason   string
}

// RecordInvoice appends an audit payment for an invoice. The invoice id is
// unique; a redelivery returns the existing row with created false. A failed
// invoice is recorded as rejected and never touches the entitlement.
func (s *Service) RecordInvoice(ctx context.Context, in GatewayInvoice) (p *models.Payment, created bool, err error) {
	in.InvoiceID = strings.TrimSpace(in.InvoiceID)
	if in.InvoiceID == "" {
		return nil, false, validationError("invoice id is required")
	}
	if in.UserID == 0 {
		return nil, false, validationError("invoice user is required")
	}

	if existing, err := s.repo.FindByInvoiceID(ctx, in.InvoiceID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, fmt.Errorf("payment: lookup invoice %s: %w", in.InvoiceID, err)
	}

	if in.DurationMonths <= 0 {
		in.DurationMonths = 1
	}

	now := s.clock()
	invoice := in.InvoiceID
	p = &models.Payment{
		UserID:                 in.UserID,
		PackageID:              models.PackagePro,
		PackageType:            models.TierPro,
		Amount:                 in.Amount.Round(2),
		DurationMonths:         in.DurationMonths,
		Source:                 models.PaymentSourceGatewayInvoice,
		GatewayInvoiceID:       &invoice,
		GatewayPaymentIntentID: in.PaymentIntentID,
		GatewayCustomerRef:     in.CustomerRef,
		GatewaySubscriptionRef: in.SubscriptionRef,
	}
	if in.Paid {
		p.Status = models.PaymentStatusApproved
		p.ApprovedAt = &now
	} else {
		reason := strings.TrimSpace(in.FailureReason)
		if reason == "" {
			reason = "invoice payment failed"
		}
		p.Status = models.PaymentStatusRejected
		p.RejectionReason = reason
		p.RejectedAt = &now
	}

	if err := s.insert(ctx, p); err != nil {
		if isDuplicateKey(err) {
			if existing, lookupErr := s.repo.FindByInvoiceID(ctx, in.InvoiceID); lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	log.Infof("[Payment] Recorded invoice %s for user %d as %s", invoice, p.UserID, p.Status)
	return p, true, nil
}
