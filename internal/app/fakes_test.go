package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"synergysphere/api/internal/chat"
	"synergysphere/api/internal/config"
	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/notify"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/session"
	"synergysphere/api/internal/store"
)

type memStore struct {
	mu            sync.Mutex
	seq           int
	users         map[string]store.User
	projects      map[string]store.Project
	tasks         map[string][]store.Task
	messages      []store.ChatMessage
	notifications []store.Notification
	pingFn        func(context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]store.User{},
		projects: map[string]store.Project{},
		tasks:    map[string][]store.Task{},
	}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%03d", prefix, s.seq)
}

func (s *memStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	pingFn := s.pingFn
	s.mu.Unlock()
	if pingFn != nil {
		return pingFn(ctx)
	}
	return nil
}

func (s *memStore) setPing(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingFn = fn
}

func (s *memStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) || existing.Username == user.Username {
			return store.User{}, store.ErrConflict
		}
	}
	user.ID = s.nextID("u")
	user.CreatedAt = time.Now().UTC()
	s.users[user.ID] = user
	return user, nil
}

func (s *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[store.CanonicalID(id)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (s *memStore) CreateProject(_ context.Context, project store.Project) (store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project.ID = s.nextID("p")
	project.CreatedAt = time.Now().UTC()
	project.UpdatedAt = project.CreatedAt
	s.projects[project.ID] = project
	return project, nil
}

func (s *memStore) GetProject(_ context.Context, id string) (store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[store.CanonicalID(id)]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	project.Members = append([]string(nil), project.Members...)
	return project, nil
}

func (s *memStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Project
	for _, project := range s.projects {
		if membership.RoleOf(project, userID) != rbac.RoleNone {
			out = append(out, project)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) AddProjectMember(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return store.ErrNotFound
	}
	project.Members = append(project.Members, store.CanonicalID(userID))
	s.projects[projectID] = project
	return nil
}

func (s *memStore) RemoveProjectMember(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return store.ErrNotFound
	}
	for i, member := range project.Members {
		if store.SameID(member, userID) {
			project.Members = append(project.Members[:i:i], project.Members[i+1:]...)
			s.projects[projectID] = project
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Task(nil), s.tasks[projectID]...), nil
}

func (s *memStore) CreateTask(_ context.Context, task store.Task) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.ID = s.nextID("t")
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	s.tasks[task.ProjectID] = append(s.tasks[task.ProjectID], task)
	return task, nil
}

func (s *memStore) taskIndex(projectID, taskID string) int {
	for i, task := range s.tasks[projectID] {
		if task.ID == taskID {
			return i
		}
	}
	return -1
}

func (s *memStore) GetTask(_ context.Context, projectID, taskID string) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.taskIndex(projectID, taskID)
	if i < 0 {
		return store.Task{}, store.ErrNotFound
	}
	return s.tasks[projectID][i], nil
}

func (s *memStore) UpdateTask(_ context.Context, projectID, taskID string, patch store.TaskPatch) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.taskIndex(projectID, taskID)
	if i < 0 {
		return store.Task{}, store.ErrNotFound
	}
	task := s.tasks[projectID][i]
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Assignee != nil {
		task.Assignee = *patch.Assignee
	}
	if patch.DueDate != nil {
		due := *patch.DueDate
		task.DueDate = &due
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[projectID][i] = task
	return task, nil
}

func (s *memStore) DeleteTask(_ context.Context, projectID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.taskIndex(projectID, taskID)
	if i < 0 {
		return store.ErrNotFound
	}
	tasks := s.tasks[projectID]
	s.tasks[projectID] = append(tasks[:i:i], tasks[i+1:]...)
	return nil
}

func (s *memStore) InsertMessage(_ context.Context, msg store.ChatMessage) (store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.nextID("m")
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return store.ChatMessage{}, store.ErrNotFound
}

func (s *memStore) UpdateMessageBody(_ context.Context, id, body string, updatedAt time.Time) (store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.messages {
		if msg.ID == id {
			msg.Body = body
			msg.IsEdited = true
			msg.UpdatedAt = updatedAt
			s.messages[i] = msg
			return msg, nil
		}
	}
	return store.ChatMessage{}, store.ErrNotFound
}

func (s *memStore) projectMessages(projectID string) []store.ChatMessage {
	var out []store.ChatMessage
	for _, msg := range s.messages {
		if msg.ProjectID == projectID {
			out = append(out, msg)
		}
	}
	return out
}

func (s *memStore) projectHistory(projectID string) []store.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectMessages(projectID)
}

func (s *memStore) ListMessages(_ context.Context, projectID string, offset, limit int) ([]store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.projectMessages(projectID)
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return append([]store.ChatMessage(nil), all[offset:end]...), nil
}

func (s *memStore) RecentMessages(_ context.Context, projectID string, limit int) ([]store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.projectMessages(projectID)
	start := max(len(all)-limit, 0)
	return append([]store.ChatMessage(nil), all[start:]...), nil
}

func (s *memStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.nextID("n")
	n.CreatedAt = time.Now().UTC()
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *memStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if !store.SameID(n.UserID, userID) {
			continue
		}
		if unreadOnly && n.Status != store.NotificationUnread {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *memStore) MarkNotificationRead(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id && store.SameID(n.UserID, userID) {
			s.notifications[i].Status = store.NotificationRead
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for i, n := range s.notifications {
		if store.SameID(n.UserID, userID) && n.Status == store.NotificationUnread {
			s.notifications[i].Status = store.NotificationRead
			updated++
		}
	}
	return updated, nil
}

func (s *memStore) notificationsFor(userID string) []store.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Notification
	for _, n := range s.notifications {
		if store.SameID(n.UserID, userID) {
			out = append(out, n)
		}
	}
	return out
}

type testEnv struct {
	store   *memStore
	rooms   *realtime.Registry
	service *Service
	server  *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		CORSOrigin: "*",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()
	mem := newMemStore()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rooms := realtime.NewRegistry(logger)
	dispatcher := notify.NewDispatcher(mem, rooms, logger)
	pipeline := chat.NewPipeline(chat.Deps{
		Store:     mem,
		Auth:      membership.NewOracle(mem),
		Publisher: rooms,
		Notifier:  dispatcher,
	}, chat.Options{Logger: logger})
	t.Cleanup(pipeline.Close)

	service := New(testConfig(), Deps{
		Store:    mem,
		Sessions: session.NewRedisStore(client),
		Chat:     pipeline,
		Notify:   dispatcher,
		Logger:   logger,
	})
	server := httptest.NewServer(NewHTTPServer(service, rooms, HTTPOptions{
		RateLimit: chat.RateLimit{PerSecond: 100, Burst: 100},
		Logger:    logger,
	}).Handler())
	t.Cleanup(server.Close)

	return &testEnv{store: mem, rooms: rooms, service: service, server: server}
}

type testUser struct {
	ID    string
	Name  string
	Token string
	Fresh string
}

// register signs a user up and in through the HTTP surface.
func (e *testEnv) register(t *testing.T, name string) testUser {
	t.Helper()
	email := strings.ToLower(name) + "@example.com"
	status, _ := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"username": name,
		"email":    email,
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := e.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    email,
		"password": "password123",
	})
	require.Equal(t, http.StatusOK, status)
	return testUser{
		ID:    body["userId"].(string),
		Name:  body["userName"].(string),
		Token: body["token"].(string),
		Fresh: body["refreshToken"].(string),
	}
}

// project creates a project owned by owner with the given members added.
func (e *testEnv) project(t *testing.T, owner testUser, members ...testUser) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/projects", owner.Token, map[string]any{"name": "Launch"})
	require.Equal(t, http.StatusCreated, status)
	projectID := body["project"].(map[string]any)["id"].(string)
	for _, member := range members {
		status, _ := e.do(t, http.MethodPost, "/api/projects/"+projectID+"/members", owner.Token, map[string]any{"user_id": member.ID})
		require.Equal(t, http.StatusOK, status)
	}
	return projectID
}

// do sends a JSON request and decodes a JSON object response.
func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	decoded := map[string]any{}
	if res.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	}
	return res.StatusCode, decoded
}
