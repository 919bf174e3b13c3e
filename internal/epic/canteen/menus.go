package canteen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jcmexdev/canteen-integration/internal/epic"
)

// MenuItem is a quantity of one menu entry.
type MenuItem struct {
	MenuItemID string `json:"menuItemId"`
	Quantity   int    `json:"quantity"`
}

// ReserveInput asks the menus epic to hold portions for a student.
type ReserveInput struct {
	StudentID string     `json:"studentId"`
	Items     []MenuItem `json:"items"`
}

// Reservation is the result of reserve and the input of release.
type Reservation struct {
	ReservationID string     `json:"reservationId"`
	StudentID     string     `json:"studentId"`
	Items         []MenuItem `json:"items"`
}

// DefaultStock is the demo kitchen's daily portions.
func DefaultStock() map[string]int {
	return map[string]int{
		"menu_pasta": 15,
		"menu_salad": 10,
		"menu_soup":  0,
	}
}

// Menus tracks remaining portions per menu item.
type Menus struct {
	logger *slog.Logger

	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]Reservation
}

func NewMenus(stock map[string]int, logger *slog.Logger) *Menus {
	if logger == nil {
		logger = slog.Default()
	}
	if stock == nil {
		stock = DefaultStock()
	}
	return &Menus{
		logger:       logger,
		stock:        stock,
		reservations: make(map[string]Reservation),
	}
}

// Service exposes reserve/release as the "menus" epic.
func (m *Menus) Service() *epic.Service {
	return epic.NewService(DomainMenus).
		Handle("reserve", epic.Action(m.Reserve)).
		HandleCompensation("release", epic.Compensation(m.Release))
}

// Reserve holds every requested portion or none.
func (m *Menus) Reserve(ctx context.Context, in ReserveInput) (Reservation, error) {
	if len(in.Items) == 0 {
		return Reservation{}, fmt.Errorf("%w: no menu items", epic.ErrRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range in.Items {
		available, ok := m.stock[item.MenuItemID]
		if !ok {
			return Reservation{}, fmt.Errorf("%w: menu item %s does not exist", epic.ErrRejected, item.MenuItemID)
		}
		if item.Quantity <= 0 || available < item.Quantity {
			return Reservation{}, fmt.Errorf("%w: %s has %d portions left, %d requested",
				epic.ErrRejected, item.MenuItemID, available, item.Quantity)
		}
	}
	for _, item := range in.Items {
		m.stock[item.MenuItemID] -= item.Quantity
	}

	r := Reservation{
		ReservationID: uuid.NewString(),
		StudentID:     in.StudentID,
		Items:         append([]MenuItem(nil), in.Items...),
	}
	m.reservations[r.ReservationID] = r
	m.logger.InfoContext(ctx, "portions reserved", "reservation_id", r.ReservationID, "items", len(r.Items))
	return r, nil
}

// Release returns the portions of a reservation to stock.
func (m *Menus) Release(ctx context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.reservations[r.ReservationID]
	if !ok {
		return fmt.Errorf("reservation %s not found", r.ReservationID)
	}
	for _, item := range held.Items {
		m.stock[item.MenuItemID] += item.Quantity
	}
	delete(m.reservations, r.ReservationID)
	m.logger.InfoContext(ctx, "portions released", "reservation_id", r.ReservationID)
	return nil
}

// Available returns the remaining portions of one item.
func (m *Menus) Available(menuItemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[menuItemID]
}
