package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/entitlements"
)

// runSaga executes the approval steps not yet recorded on p. Each step is
// committed on its own and recorded in SagaStep, so a retry resumes where the
// last attempt stopped. The grant is anchored on ApprovedAt, which makes a
// repeated grant produce the same expiry. With schedule set, a failure
// enqueues a reconcile job; retries leave rescheduling to their caller.
// The user is told about the approval only by the runner that records the
// final step, so a degraded approval never announces an inactive plan.
func (s *Service) runSaga(ctx context.Context, p *models.Payment, schedule bool) error {
	if !p.SagaStep.Reached(models.SagaStepEntitlementGranted) {
		_, err := s.step(ctx, p, models.SagaStepEntitlementGranted, func(ctx context.Context) error {
			_, err := s.grants.GrantFrom(ctx, p.UserID, s.anchor(p), s.months(p), correlationOf(p))
			return err
		})
		if err != nil {
			return s.fail(ctx, p, models.SagaStepEntitlementGranted, err, schedule)
		}
	}

	if !p.SagaStep.Reached(models.SagaStepQuotaPrimed) {
		advanced, err := s.step(ctx, p, models.SagaStepQuotaPrimed, func(ctx context.Context) error {
			_, err := s.quota.GetOrCreateToday(ctx, p.UserID, p.PackageType)
			return err
		})
		if err != nil {
			return s.fail(ctx, p, models.SagaStepQuotaPrimed, err, schedule)
		}
		if advanced {
			s.notifyApproved(ctx, p)
		}
	}

	return nil
}

// step runs fn under the step timeout and records completion. The request
// context's cancellation is dropped: once the payment is approved the
// remaining steps should finish even if the caller has gone away.
// It reports whether this call moved the marker; false means a concurrent
// runner recorded the step first.
func (s *Service) step(ctx context.Context, p *models.Payment, step models.SagaStep, fn func(context.Context) error) (bool, error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stepTimeout)
	defer cancel()

	if err := fn(stepCtx); err != nil {
		return false, err
	}
	advanced, err := s.repo.AdvanceSaga(stepCtx, p.ID, p.SagaStep, step)
	if err != nil {
		return false, fmt.Errorf("record step: %w", err)
	}
	p.SagaStep = step
	p.SagaError = ""
	p.SagaAttempts = 0
	return advanced, nil
}

func (s *Service) fail(ctx context.Context, p *models.Payment, step models.SagaStep, cause error, schedule bool) error {
	pf := &PartialFailureError{PaymentID: p.ID, Step: step, Err: cause}
	log.Errorf("[Payment] FATAL payment %d user %d approved but step %s failed (last completed: %q): %v",
		p.ID, p.UserID, step, p.SagaStep, cause)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stepTimeout)
	defer cancel()

	p.SagaError = pf.Error()
	if err := s.repo.RecordSagaFailure(bg, p.ID, p.SagaError); err != nil {
		log.Errorf("[Payment] FATAL could not record saga error for payment %d: %v", p.ID, err)
	} else {
		p.SagaAttempts++
	}
	if p.SagaAttempts == MaxSagaAttempts {
		log.Errorf("[Payment] FATAL payment %d left the reconcile sweep after %d failed attempts; retry it from the admin API", p.ID, p.SagaAttempts)
	}
	if schedule && s.reconciler != nil {
		if err := s.reconciler.EnqueueReconcile(bg, p.ID); err != nil {
			log.Errorf("[Payment] FATAL could not enqueue reconcile for payment %d: %v", p.ID, err)
		}
	}
	return pf
}

func (s *Service) anchor(p *models.Payment) time.Time {
	if p.ApprovedAt != nil {
		return p.ApprovedAt.UTC()
	}
	return s.clock()
}

func (s *Service) months(p *models.Payment) int {
	if p.DurationMonths > 0 {
		return p.DurationMonths
	}
	return 1
}

func correlationOf(p *models.Payment) *entitlements.CorrelationRef {
	if p.GatewayCustomerRef == "" && p.GatewaySubscriptionRef == "" {
		return nil
	}
	return &entitlements.CorrelationRef{
		CustomerRef:     p.GatewayCustomerRef,
		SubscriptionRef: p.GatewaySubscriptionRef,
	}
}

// ResumeApproval re-runs the steps an approved payment has not completed.
// Calling it on a complete payment is a no-op.
func (s *Service) ResumeApproval(ctx context.Context, paymentID uint) (*models.Payment, error) {
	p, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentStatusApproved {
		return nil, &InvalidTransitionError{PaymentID: p.ID, Action: "resume approval of", Current: p.Status}
	}
	if !p.NeedsReconciliation() {
		return p, nil
	}

	log.Infof("[Payment] Resuming approval of payment %d from step %q", p.ID, p.SagaStep)
	if err := s.runSaga(ctx, p, false); err != nil {
		return p, err
	}
	log.Infof("[Payment] Approval of payment %d completed", p.ID)
	return p, nil
}

// ReconcileIncomplete resumes up to limit approved payments with pending
// steps and returns how many completed.
func (s *Service) ReconcileIncomplete(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	pending, err := s.repo.ListNeedingReconciliation(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("payment: list incomplete approvals: %w", err)
	}

	completed := 0
	for i := range pending {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		p := &pending[i]
		if err := s.runSaga(ctx, p, false); err != nil {
			continue
		}
		completed++
	}
	if len(pending) > 0 {
		log.Infof("[Payment] Reconcile sweep: %d/%d incomplete approvals completed", completed, len(pending))
	}
	return completed, nil
}
