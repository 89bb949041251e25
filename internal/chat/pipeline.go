// Package chat validates, persists and fans out project chat messages and
// runs the side effects that follow a send.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/assistant"
	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/metrics"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

const (
	maxPageSize    = 100
	previewRunes   = 80
	replyPersistTO = 10 * time.Second
)

type Store interface {
	store.MessageRepository
	ListTasks(ctx context.Context, projectID string) ([]store.Task, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, projectID, userID string, action rbac.Action) (store.Project, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID, text, link string) (store.Notification, error)
}

type Indexer interface {
	IndexMessage(msg store.ChatMessage)
}

// Author is the authenticated sender of a message.
type Author struct {
	ID   string
	Name string
}

type Options struct {
	AssistantPrefix        string
	AssistantTimeout       time.Duration
	AssistantHistorySize   int
	AssistantMaxConcurrent int64
	HistoryPageSize        int
	Logger                 *slog.Logger
}

func (o *Options) setDefaults() {
	if o.AssistantPrefix == "" {
		o.AssistantPrefix = "@assistant"
	}
	if o.AssistantTimeout <= 0 {
		o.AssistantTimeout = 60 * time.Second
	}
	if o.AssistantHistorySize <= 0 {
		o.AssistantHistorySize = 20
	}
	if o.AssistantMaxConcurrent <= 0 {
		o.AssistantMaxConcurrent = 4
	}
	if o.HistoryPageSize <= 0 || o.HistoryPageSize > maxPageSize {
		o.HistoryPageSize = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Deps struct {
	Store     Store
	Auth      Authorizer
	Publisher realtime.Publisher
	Notifier  Notifier
	// Responder may be nil; assistant mentions then get the fallback reply.
	Responder assistant.Responder
	// Indexer may be nil.
	Indexer Indexer
}

// Pipeline owns the background assistant jobs it starts; Close waits for
// them.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	jobs    *semaphore.Weighted
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		logger:  opts.Logger,
		jobs:    semaphore.NewWeighted(opts.AssistantMaxConcurrent),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Send runs authorize, persist, fan-out, notify and the assistant trigger,
// in that order. Only the first two can fail the call.
func (p *Pipeline) Send(ctx context.Context, projectID string, author Author, body string) (store.ChatMessage, error) {
	project, err := p.deps.Auth.Authorize(ctx, projectID, author.ID, rbac.ActionWrite)
	if err != nil {
		return store.ChatMessage{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.ChatMessage{}, apperr.Invalid("Message cannot be empty", map[string]string{"field": "message"})
	}

	now := time.Now().UTC()
	msg, err := p.deps.Store.InsertMessage(ctx, store.ChatMessage{
		ProjectID: project.ID,
		UserID:    store.CanonicalID(author.ID),
		Username:  author.Name,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		p.logger.Error("persist message failed", "project_id", project.ID, "user_id", author.ID, "err", err)
		return store.ChatMessage{}, apperr.Persistence(err)
	}
	metrics.ChatMessagesTotal.WithLabelValues("user").Inc()

	p.publish(ctx, project.ID, realtime.EventNewMessage, realtime.NewMessageView(msg))
	p.index(msg)
	p.notifyParticipants(ctx, project, author, msg)

	if query, ok := assistant.ParseMention(p.opts.AssistantPrefix, body); ok {
		p.startAssistant(project, query)
	}
	return msg, nil
}

// Ask posts prompt as an assistant mention on behalf of author, so the
// question shows up in the chat before the reply.
func (p *Pipeline) Ask(ctx context.Context, projectID string, author Author, prompt string) (store.ChatMessage, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return store.ChatMessage{}, apperr.Invalid("Prompt cannot be empty", map[string]string{"field": "prompt"})
	}
	return p.Send(ctx, projectID, author, p.opts.AssistantPrefix+" "+prompt)
}

// Edit checks existence before ownership so that outsiders learn nothing
// beyond NotFound for bogus ids.
func (p *Pipeline) Edit(ctx context.Context, messageID, userID, body string) (store.ChatMessage, error) {
	msg, err := p.deps.Store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ChatMessage{}, apperr.NotFound("Message not found")
	}
	if err != nil {
		return store.ChatMessage{}, apperr.Persistence(err)
	}
	if !store.SameID(msg.UserID, userID) {
		return store.ChatMessage{}, apperr.Forbidden("You can only edit your own messages")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.ChatMessage{}, apperr.Invalid("Message cannot be empty", map[string]string{"field": "message"})
	}

	updated, err := p.deps.Store.UpdateMessageBody(ctx, msg.ID, body, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return store.ChatMessage{}, apperr.NotFound("Message not found")
	}
	if err != nil {
		p.logger.Error("update message failed", "message_id", msg.ID, "err", err)
		return store.ChatMessage{}, apperr.Persistence(err)
	}
	metrics.ChatMessagesTotal.WithLabelValues("edit").Inc()

	p.publish(ctx, updated.ProjectID, realtime.EventEditMessage, realtime.NewMessageView(updated))
	p.index(updated)
	return updated, nil
}

// History returns one page in ascending creation order. page starts at 1;
// a zero limit means the configured page size.
func (p *Pipeline) History(ctx context.Context, projectID, userID string, page, limit int) ([]store.ChatMessage, error) {
	project, err := p.deps.Auth.Authorize(ctx, projectID, userID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, apperr.Invalid("page must be at least 1", map[string]string{"field": "page"})
	}
	if limit == 0 {
		limit = p.opts.HistoryPageSize
	}
	if limit < 1 || limit > maxPageSize {
		return nil, apperr.Invalid(fmt.Sprintf("limit must be between 1 and %d", maxPageSize), map[string]string{"field": "limit"})
	}

	items, err := p.deps.Store.ListMessages(ctx, project.ID, (page-1)*limit, limit)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return items, nil
}

// Latest returns the newest page, oldest first. Sockets send it on connect.
func (p *Pipeline) Latest(ctx context.Context, projectID, userID string) ([]store.ChatMessage, error) {
	project, err := p.deps.Auth.Authorize(ctx, projectID, userID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	items, err := p.deps.Store.RecentMessages(ctx, project.ID, p.opts.HistoryPageSize)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return items, nil
}

// Announce broadcasts a plain-text system message to a project channel.
// Nothing is persisted.
func (p *Pipeline) Announce(ctx context.Context, projectID, text string) {
	p.publish(ctx, projectID, realtime.EventSystemMessage, text)
}

func (p *Pipeline) publish(ctx context.Context, projectID string, event realtime.Event, data any) {
	payload, err := realtime.Encode(event, data)
	if err != nil {
		p.logger.Warn("encode envelope failed", "project_id", projectID, "event", event, "err", err)
		return
	}
	if err := p.deps.Publisher.Publish(ctx, realtime.ProjectChannel(projectID), payload); err != nil {
		p.logger.Warn("publish failed", "project_id", projectID, "event", event, "err", err)
	}
}

func (p *Pipeline) index(msg store.ChatMessage) {
	if p.deps.Indexer != nil {
		p.deps.Indexer.IndexMessage(msg)
	}
}

func (p *Pipeline) notifyParticipants(ctx context.Context, project store.Project, author Author, msg store.ChatMessage) {
	if p.deps.Notifier == nil {
		return
	}
	recipients := lo.Filter(membership.Participants(project), func(id string, _ int) bool {
		return !store.SameID(id, author.ID)
	})
	text := fmt.Sprintf("New message from %s in \"%s\": %s", author.Name, project.Name, preview(msg.Body))
	link := fmt.Sprintf("/projects/%s/chat", project.ID)
	for _, userID := range recipients {
		if _, err := p.deps.Notifier.Notify(ctx, userID, text, link); err != nil {
			p.logger.Warn("chat notification failed", "project_id", project.ID, "user_id", userID, "message_id", msg.ID, "err", err)
		}
	}
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewRunes {
		return body
	}
	return string(runes[:previewRunes]) + "..."
}

// Wait blocks until every started assistant job has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close stops accepting assistant jobs, cancels running ones and waits for
// them. Cancelled jobs still persist the fallback reply.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
