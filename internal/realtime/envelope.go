package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"synergysphere/api/internal/store"
)

type Event string

const (
	EventHistory         Event = "history"
	EventNewMessage      Event = "new_message"
	EventEditMessage     Event = "edit_message"
	EventSystemMessage   Event = "system_message"
	EventNewNotification Event = "new_notification"
)

// Envelope is the only shape the server writes to sockets.
type Envelope struct {
	Event Event `json:"event"`
	Data  any   `json:"data"`
}

func Encode(event Event, data any) ([]byte, error) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return payload, nil
}

// MessageView is the JSON record of a chat message, shared by sockets and
// the REST endpoints.
type MessageView struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	IsEdited  bool      `json:"is_edited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewMessageView(m store.ChatMessage) MessageView {
	return MessageView{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Username:  m.Username,
		Message:   m.Body,
		IsEdited:  m.IsEdited,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func NewMessageViews(items []store.ChatMessage) []MessageView {
	views := make([]MessageView, 0, len(items))
	for _, item := range items {
		views = append(views, NewMessageView(item))
	}
	return views
}

type NotificationView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Link      *string   `json:"link"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func NewNotificationView(n store.Notification) NotificationView {
	view := NotificationView{
		ID:        n.ID,
		UserID:    n.UserID,
		Message:   n.Message,
		Status:    string(n.Status),
		CreatedAt: n.CreatedAt,
	}
	if n.Link != "" {
		link := n.Link
		view.Link = &link
	}
	return view
}
