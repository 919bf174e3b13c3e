package canteen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/canteen-integration/internal/epic"
)

// SendInput is the input of notifications.send.
type SendInput struct {
	StudentID string `json:"studentId"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
}

// Notification is the result of notifications.send.
type Notification struct {
	ID        string    `json:"id"`
	StudentID string    `json:"studentId"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sentAt"`
}

// Notifications records what was sent; delivery is fire and forget so the
// epic has no compensation.
type Notifications struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Notification
}

func NewNotifications(logger *slog.Logger) *Notifications {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifications{logger: logger}
}

// Service exposes send as the "notifications" epic.
func (n *Notifications) Service() *epic.Service {
	return epic.NewService(DomainNotifications).
		Handle("send", epic.Action(n.Send))
}

func (n *Notifications) Send(ctx context.Context, in SendInput) (Notification, error) {
	if in.StudentID == "" || in.Message == "" {
		return Notification{}, fmt.Errorf("%w: student and message are required", epic.ErrRejected)
	}
	if in.Channel == "" {
		in.Channel = "app"
	}
	msg := Notification{
		ID:        uuid.NewString(),
		StudentID: in.StudentID,
		Channel:   in.Channel,
		Message:   in.Message,
		SentAt:    time.Now().UTC(),
	}
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()

	n.logger.InfoContext(ctx, "notification sent", "channel", msg.Channel, "student_id", msg.StudentID)
	return msg, nil
}

// Sent returns every notification, oldest first.
func (n *Notifications) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}
