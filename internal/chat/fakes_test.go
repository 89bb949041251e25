package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]store.Project
	tasks    map[string][]store.Task
	messages []store.ChatMessage
	insertFn func(msg store.ChatMessage) (store.ChatMessage, error)
	// recentFn runs after RecentMessages took its snapshot.
	recentFn func()
}

func newFakeStore(projects ...store.Project) *fakeStore {
	s := &fakeStore{projects: map[string]store.Project{}, tasks: map[string][]store.Task{}}
	for _, project := range projects {
		s.projects[project.ID] = project
	}
	return s
}

func (s *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return project, nil
}

func (s *fakeStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[projectID], nil
}

func (s *fakeStore) InsertMessage(_ context.Context, msg store.ChatMessage) (store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertFn != nil {
		return s.insertFn(msg)
	}
	msg.ID = fmt.Sprintf("m%03d", len(s.messages)+1)
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return store.ChatMessage{}, store.ErrNotFound
}

func (s *fakeStore) UpdateMessageBody(_ context.Context, id, body string, updatedAt time.Time) (store.ChatMessage, error) {
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

func (s *fakeStore) projectMessages(projectID string) []store.ChatMessage {
	out := []store.ChatMessage{}
	for _, msg := range s.messages {
		if msg.ProjectID == projectID {
			out = append(out, msg)
		}
	}
	return out
}

func (s *fakeStore) ListMessages(_ context.Context, projectID string, offset, limit int) ([]store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.projectMessages(projectID)
	if offset >= len(items) {
		return []store.ChatMessage{}, nil
	}
	return items[offset:min(offset+limit, len(items))], nil
}

func (s *fakeStore) RecentMessages(_ context.Context, projectID string, limit int) ([]store.ChatMessage, error) {
	s.mu.Lock()
	items := s.projectMessages(projectID)
	recentFn := s.recentFn
	s.mu.Unlock()
	if recentFn != nil {
		recentFn()
	}
	return items[max(0, len(items)-limit):], nil
}

func (s *fakeStore) all() []store.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ChatMessage(nil), s.messages...)
}

type publication struct {
	key      string
	envelope struct {
		Event realtime.Event  `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
}

func (p publication) message(t *testing.T) realtime.MessageView {
	t.Helper()
	var view realtime.MessageView
	require.NoError(t, json.Unmarshal(p.envelope.Data, &view))
	return view
}

func (p publication) text(t *testing.T) string {
	t.Helper()
	var text string
	require.NoError(t, json.Unmarshal(p.envelope.Data, &text))
	return text
}

type recordingPublisher struct {
	mu        sync.Mutex
	items     []publication
	publishFn func(pub publication)
}

func (r *recordingPublisher) Publish(_ context.Context, key string, payload []byte) error {
	pub := publication{key: key}
	if err := json.Unmarshal(payload, &pub.envelope); err != nil {
		return err
	}
	if r.publishFn != nil {
		r.publishFn(pub)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, pub)
	return nil
}

func (r *recordingPublisher) published() []publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publication(nil), r.items...)
}

func (r *recordingPublisher) events(event realtime.Event) []publication {
	out := []publication{}
	for _, pub := range r.published() {
		if pub.envelope.Event == event {
			out = append(out, pub)
		}
	}
	return out
}

type sentNotification struct {
	userID string
	text   string
	link   string
}

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []sentNotification
	notifyFn func(userID string) error
}

func (n *recordingNotifier) Notify(_ context.Context, userID, text, link string) (store.Notification, error) {
	if n.notifyFn != nil {
		if err := n.notifyFn(userID); err != nil {
			return store.Notification{}, err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID: userID, text: text, link: link})
	return store.Notification{UserID: userID, Message: text, Link: link, Status: store.NotificationUnread}, nil
}

func (n *recordingNotifier) byUser() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	counts := map[string]int{}
	for _, s := range n.sent {
		counts[s.userID]++
	}
	return counts
}

type harness struct {
	store     *fakeStore
	publisher *recordingPublisher
	notifier  *recordingNotifier
	pipeline  *Pipeline
}

var testProject = store.Project{
	ID:        "P123",
	Name:      "Launch",
	CreatedBy: "owner",
	Members:   []string{"alice", "bob", "carol"},
}

func newHarness(t *testing.T, deps Deps, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(testProject),
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	deps.Store = h.store
	deps.Auth = membership.NewOracle(h.store)
	deps.Publisher = h.publisher
	deps.Notifier = h.notifier
	h.pipeline = NewPipeline(deps, opts)
	t.Cleanup(h.pipeline.Close)
	return h
}

var alice = Author{ID: "alice", Name: "alice"}
