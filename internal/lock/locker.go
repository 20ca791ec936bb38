/**
 * @description
 * Named locks with a TTL, shared by every billing-service replica. Holding
 * `reconcile-payment:<id>` serializes all mutations that touch one payment and
 * its invoice across webhook processing, reconciliation and operator edits.
 */

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when another holder owns the key. Callers treat it as retryable.
var ErrNotAcquired = errors.New("lock not acquired")

// DefaultTTL bounds how long a crashed holder can block others.
const DefaultTTL = 30 * time.Second

// Release gives the lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker acquires named locks.
type Locker interface {
	// Acquire tries once to take key for ttl. acquired is false when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release Release, acquired bool, err error)
}

// ContentionObserver is notified when an acquisition fails because the key is held.
type ContentionObserver func(key string)

// Run executes fn while holding key. It returns ErrNotAcquired without calling fn
// when the key is held elsewhere. The lock is always released after fn returns.
func Run(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	release, acquired, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer func() {
		// Use a fresh context so a cancelled caller still releases.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = release(releaseCtx)
	}()
	return fn(ctx)
}

// PaymentKey guards a payment and, through it, its invoice aggregate.
func PaymentKey(paymentID string) string { return "reconcile-payment:" + paymentID }

// WebhookEventKey guards a single stored webhook event.
func WebhookEventKey(eventID uuid.UUID) string { return "webhook-event:" + eventID.String() }

// AgreementKey serializes renegotiations for one student.
func AgreementKey(studentID uuid.UUID) string { return "agreement:" + studentID.String() }

// InvoiceKey guards invoice-level side effects such as NFS-e requests.
func InvoiceKey(invoiceID uuid.UUID) string { return "invoice:" + invoiceID.String() }

func newToken() string { return uuid.NewString() }
