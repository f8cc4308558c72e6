package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the closed set of Payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPendingPayment      PaymentStatus = "pending_payment"
	PaymentStatusPendingVerification PaymentStatus = "pending_verification"
	PaymentStatusApproved            PaymentStatus = "approved"
	PaymentStatusRejected            PaymentStatus = "rejected"
)

// ParsePaymentStatus validates a status string.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(s); st {
	case PaymentStatusPendingPayment, PaymentStatusPendingVerification, PaymentStatusApproved, PaymentStatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown payment status %q", s)
	}
}

// IsTerminal reports whether the status closes the user's open payment slot.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusApproved || s == PaymentStatusRejected
}

// Scan refuses unknown persisted values instead of trusting the column.
func (s *PaymentStatus) Scan(value interface{}) error {
	raw, err := scanString(value)
	if err != nil {
		return err
	}
	st, err := ParsePaymentStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s PaymentStatus) Value() (driver.Value, error) {
	if _, err := ParsePaymentStatus(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

// Scan refuses unknown persisted package identifiers.
func (p *Package) Scan(value interface{}) error {
	raw, err := scanString(value)
	if err != nil {
		return err
	}
	pkg, err := ParsePackage(raw)
	if err != nil {
		return err
	}
	*p = pkg
	return nil
}

func (p Package) Value() (driver.Value, error) {
	if _, err := ParsePackage(string(p)); err != nil {
		return nil, err
	}
	return string(p), nil
}

func scanString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported column value %T", value)
	}
}

// PaymentSource tells which acquisition path produced the row.
type PaymentSource string

const (
	PaymentSourceManual          PaymentSource = "manual"
	PaymentSourceGatewayCheckout PaymentSource = "gateway_checkout"
	PaymentSourceGatewayInvoice  PaymentSource = "gateway_invoice"
)

// SagaStep is the last completed step of the approval sequence. Steps are
// committed independently, so a failed step can be retried on its own.
type SagaStep string

const (
	SagaStepNone               SagaStep = ""
	SagaStepApproved           SagaStep = "approved"
	SagaStepEntitlementGranted SagaStep = "entitlement_granted"
	SagaStepQuotaPrimed        SagaStep = "quota_primed"
)

var sagaOrder = map[SagaStep]int{
	SagaStepNone:               0,
	SagaStepApproved:           1,
	SagaStepEntitlementGranted: 2,
	SagaStepQuotaPrimed:        3,
}

// Reached reports whether step s has progressed at least to other.
func (s SagaStep) Reached(other SagaStep) bool {
	return sagaOrder[s] >= sagaOrder[other]
}

type Payment struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	UserID                 uint            `gorm:"not null;index" json:"user_id"`
	ReferenceCode          string          `gorm:"type:varchar(16);uniqueIndex" json:"reference_code"`
	PackageID              Package         `gorm:"type:varchar(32);not null" json:"package"`
	PackageType            Tier            `gorm:"type:varchar(16);not null" json:"package_type"`
	Amount                 decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	DurationMonths         int             `gorm:"not null;default:1" json:"duration_months"`
	Status                 PaymentStatus   `gorm:"type:varchar(32);not null;index" json:"status"`
	Source                 PaymentSource   `gorm:"type:varchar(32);not null;default:'manual';index" json:"source"`
	ProofRef               string          `gorm:"type:varchar(500);default:''" json:"proof_ref,omitempty"`
	GatewaySessionID       *string         `gorm:"type:varchar(191);uniqueIndex" json:"gateway_session_id,omitempty"`
	GatewayPaymentIntentID string          `gorm:"type:varchar(191);default:''" json:"gateway_payment_intent_id,omitempty"`
	GatewayInvoiceID       *string         `gorm:"type:varchar(191);uniqueIndex" json:"gateway_invoice_id,omitempty"`
	GatewayCustomerRef     string          `gorm:"type:varchar(191);default:''" json:"-"`
	GatewaySubscriptionRef string          `gorm:"type:varchar(191);default:'';index" json:"-"`
	AdminNotes             string          `gorm:"type:text" json:"admin_notes,omitempty"`
	RejectionReason        string          `gorm:"type:text" json:"rejection_reason,omitempty"`
	ApprovedBy             *uint           `json:"approved_by,omitempty"`
	RejectedBy             *uint           `json:"rejected_by,omitempty"`
	OpenSlot               *uint           `gorm:"uniqueIndex" json:"-"`
	SagaStep               SagaStep        `gorm:"type:varchar(32);default:''" json:"saga_step"`
	SagaError              string          `gorm:"type:text" json:"saga_error,omitempty"`
	SagaAttempts           int             `gorm:"not null;default:0" json:"saga_attempts"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	ProofUploadedAt        *time.Time      `gorm:"type:timestamp;default:null" json:"proof_uploaded_at,omitempty"`
	ApprovedAt             *time.Time      `gorm:"type:timestamp;default:null" json:"approved_at,omitempty"`
	RejectedAt             *time.Time      `gorm:"type:timestamp;default:null" json:"rejected_at,omitempty"`
}

// IsOwnedBy reports whether userID created the payment.
func (p *Payment) IsOwnedBy(userID uint) bool {
	return p != nil && userID != 0 && p.UserID == userID
}

// NeedsReconciliation reports whether an approved payment still has pending
// downstream steps.
func (p *Payment) NeedsReconciliation() bool {
	if p.Status != PaymentStatusApproved || p.Source == PaymentSourceGatewayInvoice {
		return false
	}
	return !p.SagaStep.Reached(SagaStepQuotaPrimed)
}
