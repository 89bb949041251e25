package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Members     []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "To Do"
	TaskInProgress TaskStatus = "In Progress"
	TaskDone       TaskStatus = "Done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	default:
		return false
	}
}

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Assignee    string
	DueDate     *time.Time
	Status      TaskStatus
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string
	Description *string
	Assignee    *string
	DueDate     *time.Time
	Status      *TaskStatus
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Assignee == nil && p.DueDate == nil && p.Status == nil
}

// ChatMessage author and project never change after insert. IsEdited only
// flips through UpdateMessageBody.
type ChatMessage struct {
	ID        string
	ProjectID string
	UserID    string
	Username  string
	Body      string
	IsEdited  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

type Notification struct {
	ID        string
	UserID    string
	Message   string
	Link      string
	Status    NotificationStatus
	CreatedAt time.Time
}

type UserRepository interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
}

type ProjectRepository interface {
	CreateProject(ctx context.Context, project Project) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]Project, error)
	AddProjectMember(ctx context.Context, projectID, userID string) error
	RemoveProjectMember(ctx context.Context, projectID, userID string) error
	ListTasks(ctx context.Context, projectID string) ([]Task, error)
	CreateTask(ctx context.Context, task Task) (Task, error)
	// GetTask, UpdateTask and DeleteTask only see live tasks of the given
	// project. Deletion is soft.
	GetTask(ctx context.Context, projectID, taskID string) (Task, error)
	UpdateTask(ctx context.Context, projectID, taskID string, patch TaskPatch) (Task, error)
	DeleteTask(ctx context.Context, projectID, taskID string) error
}

type MessageRepository interface {
	InsertMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
	GetMessage(ctx context.Context, id string) (ChatMessage, error)
	UpdateMessageBody(ctx context.Context, id, body string, updatedAt time.Time) (ChatMessage, error)
	// ListMessages returns messages ordered by creation time ascending.
	ListMessages(ctx context.Context, projectID string, offset, limit int) ([]ChatMessage, error)
	// RecentMessages returns the newest limit messages, oldest first.
	RecentMessages(ctx context.Context, projectID string, limit int) ([]ChatMessage, error)
}

type NotificationRepository interface {
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	// MarkNotificationRead reports false when the notification does not
	// exist or belongs to another user.
	MarkNotificationRead(ctx context.Context, id, userID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// Store is the domain persistence surface shared by the Postgres and
// MongoDB adapters.
type Store interface {
	UserRepository
	ProjectRepository
	MessageRepository
	NotificationRepository
	Ping(ctx context.Context) error
	Close() error
}

var objectIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// CanonicalID normalizes an identifier so that ids produced by either
// adapter compare equal regardless of case or surrounding whitespace.
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	if objectIDPattern.MatchString(id) {
		return strings.ToLower(id)
	}
	return id
}

func SameID(a, b string) bool {
	a, b = CanonicalID(a), CanonicalID(b)
	return a != "" && a == b
}
