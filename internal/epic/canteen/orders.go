package canteen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCancelled OrderStatus = "CANCELLED"
)

// OrderItem is one line of a meal order.
type OrderItem struct {
	MenuItemID string  `json:"menuItemId"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unitPrice"`
}

func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// CreateOrderInput is the input of orders.create.
type CreateOrderInput struct {
	StudentID string      `json:"studentId"`
	Items     []OrderItem `json:"items"`
}

// Order is the result of orders.create and the input of orders.cancel.
type Order struct {
	ID             string      `json:"id"`
	StudentID      string      `json:"studentId"`
	Items          []OrderItem `json:"items"`
	TotalAmount    float64     `json:"totalAmount"`
	Status         OrderStatus `json:"status"`
	RequestID      string      `json:"requestId,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Orders keeps meal orders in memory.
type Orders struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	orders map[string]*Order
}

func NewOrders(logger *slog.Logger) *Orders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orders{
		logger: logger,
		now:    time.Now,
		orders: make(map[string]*Order),
	}
}

// Service exposes create/cancel as the "orders" epic.
func (o *Orders) Service() *epic.Service {
	return epic.NewService(DomainOrders).
		Handle("create", epic.Action(o.Create)).
		HandleCompensation("cancel", epic.Compensation(o.Cancel))
}

func (o *Orders) Create(ctx context.Context, in CreateOrderInput) (Order, error) {
	if in.StudentID == "" || len(in.Items) == 0 {
		return Order{}, fmt.Errorf("%w: student and items are required", epic.ErrRejected)
	}

	var total float64
	for _, item := range in.Items {
		total += item.Subtotal()
	}
	order := &Order{
		ID:             uuid.NewString(),
		StudentID:      in.StudentID,
		Items:          append([]OrderItem(nil), in.Items...),
		TotalAmount:    total,
		Status:         OrderPending,
		RequestID:      interceptors.RequestID(ctx),
		IdempotencyKey: interceptors.IdempotencyKey(ctx),
		CreatedAt:      o.now().UTC(),
	}

	o.mu.Lock()
	o.orders[order.ID] = order
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "order created", "order_id", order.ID, "total", total)
	return *order, nil
}

func (o *Orders) Cancel(ctx context.Context, order Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	stored, ok := o.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s not found", order.ID)
	}
	stored.Status = OrderCancelled
	o.logger.InfoContext(ctx, "order cancelled", "order_id", order.ID)
	return nil
}

// Get returns a copy of one order.
func (o *Orders) Get(id string) (Order, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	order, ok := o.orders[id]
	if !ok {
		return Order{}, false
	}
	return *order, true
}
