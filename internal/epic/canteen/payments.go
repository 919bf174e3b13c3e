package canteen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
)

// DefaultChargeLimit is the largest single charge a student card accepts.
const DefaultChargeLimit = 500.0

const chargeTTL = 24 * time.Hour

// ChargeInput is the input of payments.charge.
type ChargeInput struct {
	StudentID string  `json:"studentId"`
	OrderID   string  `json:"orderId,omitempty"`
	Amount    float64 `json:"amount"`
}

// Payment is the result of payments.charge and the input of payments.refund.
type Payment struct {
	PaymentID string    `json:"paymentId"`
	StudentID string    `json:"studentId"`
	OrderID   string    `json:"orderId,omitempty"`
	Amount    float64   `json:"amount"`
	ChargedAt time.Time `json:"chargedAt"`
}

// Payments charges student cards. A charge carrying an idempotency key is
// remembered in the cache and replayed instead of charging twice.
type Payments struct {
	limit  float64
	cache  cache.Cache
	logger *slog.Logger

	mu       sync.Mutex
	payments map[string]Payment
}

func NewPayments(limit float64, c cache.Cache, logger *slog.Logger) *Payments {
	if limit <= 0 {
		limit = DefaultChargeLimit
	}
	if c == nil {
		c = cache.NewMemoryCache(DomainPayments, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Payments{
		limit:    limit,
		cache:    c,
		logger:   logger,
		payments: make(map[string]Payment),
	}
}

// Service exposes charge/refund as the "payments" epic.
func (p *Payments) Service() *epic.Service {
	return epic.NewService(DomainPayments).
		Handle("charge", epic.Action(p.Charge)).
		HandleCompensation("refund", epic.Compensation(p.Refund))
}

func (p *Payments) Charge(ctx context.Context, in ChargeInput) (Payment, error) {
	key := interceptors.IdempotencyKey(ctx)
	if key != "" {
		if prev, ok := p.replay(ctx, key); ok {
			p.logger.InfoContext(ctx, "charge replayed", "payment_id", prev.PaymentID, "idempotency_key", key)
			return prev, nil
		}
	}

	if in.Amount <= 0 {
		return Payment{}, fmt.Errorf("%w: amount must be positive", epic.ErrRejected)
	}
	if in.Amount > p.limit {
		p.logger.WarnContext(ctx, "charge declined", "amount", in.Amount, "limit", p.limit)
		return Payment{}, fmt.Errorf("%w: amount %.2f exceeds limit %.2f", epic.ErrRejected, in.Amount, p.limit)
	}

	pay := Payment{
		PaymentID: uuid.NewString(),
		StudentID: in.StudentID,
		OrderID:   in.OrderID,
		Amount:    in.Amount,
		ChargedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	p.payments[pay.PaymentID] = pay
	p.mu.Unlock()

	if key != "" {
		if err := p.cache.Set(ctx, p.cache.GenerateKey("charge", key), pay, chargeTTL); err != nil {
			p.logger.WarnContext(ctx, "remember charge", "error", err)
		}
	}
	p.logger.InfoContext(ctx, "charge successful", "payment_id", pay.PaymentID, "amount", pay.Amount)
	return pay, nil
}

func (p *Payments) replay(ctx context.Context, key string) (Payment, bool) {
	raw, err := p.cache.Get(ctx, p.cache.GenerateKey("charge", key))
	if err != nil || raw == "" {
		return Payment{}, false
	}
	var pay Payment
	if err := json.Unmarshal([]byte(raw), &pay); err != nil {
		return Payment{}, false
	}
	p.mu.Lock()
	_, live := p.payments[pay.PaymentID]
	p.mu.Unlock()
	return pay, live
}

// Refund reverses a charge. Refunding an unknown payment is a no-op.
func (p *Payments) Refund(ctx context.Context, pay Payment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.payments[pay.PaymentID]; !ok {
		p.logger.WarnContext(ctx, "no payment to refund", "payment_id", pay.PaymentID)
		return nil
	}
	delete(p.payments, pay.PaymentID)
	p.logger.InfoContext(ctx, "payment refunded", "payment_id", pay.PaymentID, "amount", pay.Amount)
	return nil
}

// Balance is the total currently charged.
func (p *Payments) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total float64
	for _, pay := range p.payments {
		total += pay.Amount
	}
	return total
}
