package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentStatus(t *testing.T) {
	for _, s := range []string{"pending_payment", "pending_verification", "approved", "rejected"} {
		st, err := ParsePaymentStatus(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(st))
	}

	_, err := ParsePaymentStatus("paid")
	assert.Error(t, err)
	_, err = ParsePaymentStatus("")
	assert.Error(t, err)
}

func TestPaymentStatusIsTerminal(t *testing.T) {
	assert.False(t, PaymentStatusPendingPayment.IsTerminal())
	assert.False(t, PaymentStatusPendingVerification.IsTerminal())
	assert.True(t, PaymentStatusApproved.IsTerminal())
	assert.True(t, PaymentStatusRejected.IsTerminal())
}

func TestPaymentStatusScanRejectsUnknownValues(t *testing.T) {
	var st PaymentStatus
	require.NoError(t, st.Scan([]byte("approved")))
	assert.Equal(t, PaymentStatusApproved, st)

	assert.Error(t, st.Scan("waiting"))
	assert.Error(t, st.Scan(42))
}

func TestParsePackage(t *testing.T) {
	p, err := ParsePackage(" PRO ")
	require.NoError(t, err)
	assert.Equal(t, PackagePro, p)
	assert.False(t, p.IsLegacy())

	legacy, err := ParsePackage("premium")
	require.NoError(t, err)
	assert.True(t, legacy.IsLegacy())

	_, err = ParsePackage("enterprise")
	assert.Error(t, err)
}

func TestSagaStepReached(t *testing.T) {
	assert.True(t, SagaStepQuotaPrimed.Reached(SagaStepEntitlementGranted))
	assert.True(t, SagaStepApproved.Reached(SagaStepApproved))
	assert.False(t, SagaStepApproved.Reached(SagaStepEntitlementGranted))
	assert.False(t, SagaStepNone.Reached(SagaStepApproved))
}

func TestPaymentNeedsReconciliation(t *testing.T) {
	p := &Payment{Status: PaymentStatusApproved, Source: PaymentSourceManual, SagaStep: SagaStepApproved}
	assert.True(t, p.NeedsReconciliation())

	p.SagaStep = SagaStepQuotaPrimed
	assert.False(t, p.NeedsReconciliation())

	invoice := &Payment{Status: PaymentStatusApproved, Source: PaymentSourceGatewayInvoice}
	assert.False(t, invoice.NeedsReconciliation())

	pending := &Payment{Status: PaymentStatusPendingVerification}
	assert.False(t, pending.NeedsReconciliation())
}

func TestUsageLimitRemaining(t *testing.T) {
	u := &UsageLimit{Count: 1, Cap: 3}
	assert.Equal(t, int64(2), u.Remaining())

	u.Count = 5
	assert.Equal(t, int64(0), u.Remaining())

	unlimited := &UsageLimit{Count: 100, Cap: Unlimited}
	assert.True(t, unlimited.IsUnlimited())
	assert.Equal(t, Unlimited, unlimited.Remaining())
}
