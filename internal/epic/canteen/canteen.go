// Package canteen implements the demo school canteen epics served by
// cmd/epic-service: menus, orders, payments and notifications.
package canteen

import (
	"log/slog"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
)

const (
	DomainMenus         = retry.DomainMenus
	DomainOrders        = retry.DomainOrders
	DomainPayments      = retry.DomainPayments
	DomainNotifications = retry.DomainNotifications
)

// Canteen bundles the demo epics.
type Canteen struct {
	Menus         *Menus
	Orders        *Orders
	Payments      *Payments
	Notifications *Notifications
}

// Config for New. Zero values use the demo defaults.
type Config struct {
	Stock       map[string]int
	ChargeLimit float64
	Cache       cache.Cache
	Logger      *slog.Logger
}

func New(cfg Config) *Canteen {
	return &Canteen{
		Menus:         NewMenus(cfg.Stock, cfg.Logger),
		Orders:        NewOrders(cfg.Logger),
		Payments:      NewPayments(cfg.ChargeLimit, cfg.Cache, cfg.Logger),
		Notifications: NewNotifications(cfg.Logger),
	}
}

// Services returns one epic per domain.
func (c *Canteen) Services() []*epic.Service {
	return []*epic.Service{
		c.Menus.Service(),
		c.Orders.Service(),
		c.Payments.Service(),
		c.Notifications.Service(),
	}
}

// Router serves every canteen epic in process.
func (c *Canteen) Router() *epic.Router {
	return epic.NewRouter().Mount(c.Services()...)
}
