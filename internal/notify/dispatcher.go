// Package notify persists user notifications and pushes them to the
// owner's private channel.
package notify

import (
	"context"
	"log/slog"
	"strconv"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/metrics"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

const listLimit = 20

type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

type Dispatcher struct {
	store     Store
	publisher realtime.Publisher
	logger    *slog.Logger
}

func NewDispatcher(s Store, publisher realtime.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, publisher: publisher, logger: logger}
}

// Notify persists first, then pushes. A failed push leaves the stored
// notification in place for the user to fetch later.
func (d *Dispatcher) Notify(ctx context.Context, userID, text, link string) (store.Notification, error) {
	n, err := d.store.InsertNotification(ctx, store.Notification{
		UserID:  userID,
		Message: text,
		Link:    link,
		Status:  store.NotificationUnread,
	})
	if err != nil {
		d.logger.Error("persist notification failed", "user_id", userID, "err", err)
		return store.Notification{}, apperr.Persistence(err)
	}

	delivered := d.push(ctx, n)
	metrics.NotificationsTotal.WithLabelValues(strconv.FormatBool(delivered)).Inc()
	return n, nil
}

func (d *Dispatcher) push(ctx context.Context, n store.Notification) bool {
	payload, err := realtime.Encode(realtime.EventNewNotification, realtime.NewNotificationView(n))
	if err != nil {
		d.logger.Warn("encode notification failed", "notification_id", n.ID, "err", err)
		return false
	}
	if err := d.publisher.Publish(ctx, realtime.UserChannel(n.UserID), payload); err != nil {
		d.logger.Warn("push notification failed", "notification_id", n.ID, "user_id", n.UserID, "err", err)
		return false
	}
	return true
}

// List returns the newest notifications first.
func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool) ([]store.Notification, error) {
	items, err := d.store.ListNotifications(ctx, userID, unreadOnly, listLimit)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return items, nil
}

// MarkRead reports NotFound both for unknown ids and for notifications
// owned by someone else.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, userID string) error {
	ok, err := d.store.MarkNotificationRead(ctx, notificationID, userID)
	if err != nil {
		return apperr.Persistence(err)
	}
	if !ok {
		return apperr.NotFound("Notification not found or you do not have permission.")
	}
	return nil
}

func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := d.store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, apperr.Persistence(err)
	}
	return n, nil
}
