package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HabitLoop/app/models"
)

// Reconciler re-pulls one user's subscriptions from the billing provider.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string) (*models.Entitlement, error)
}

// ReconcileHandler turns reconcile_entitlement jobs into Reconcile calls.
func ReconcileHandler(r Reconciler) HandlerFunc {
	return func(ctx context.Context, job *Job) error {
		payload, err := ReconcileEntitlementJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid reconcile payload: %w", err)
		}
		userID := strings.TrimSpace(payload.UserID)
		if userID == "" {
			return fmt.Errorf("reconcile job %s has no user id", job.ID)
		}

		rec, err := r.Reconcile(ctx, userID)
		if err != nil {
			return fmt.Errorf("reconcile user %s: %w", userID, err)
		}
		log.Infof("[Reconcile] user %s is %s/%s (%s)", userID, rec.PlanTier, rec.SubscriptionStatus, payload.Reason)
		return nil
	}
}

// EnqueueReconcile schedules a reconcile for userID unless one is already queued.
func (q *Queue) EnqueueReconcile(userID, reason string) (bool, error) {
	payload := ReconcileEntitlementJobPayload{UserID: userID, Reason: reason}
	_, created, err := q.EnqueueUniqueJob(JobTypeReconcileEntitlement, "reconcile:"+userID, payload.ToMap())
	return created, err
}
