package chat

import (
	"context"
	"errors"
	"time"

	"synergysphere/api/internal/assistant"
	"synergysphere/api/internal/metrics"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

func (p *Pipeline) startAssistant(project store.Project, query string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(p.baseCtx, p.opts.AssistantTimeout)
		defer cancel()

		reply, outcome := p.answer(ctx, project, query)
		metrics.AssistantRequestsTotal.WithLabelValues(outcome).Inc()
		p.postReply(project, reply)
	}()
}

// answer never fails: every error path turns into the fallback text.
func (p *Pipeline) answer(ctx context.Context, project store.Project, query string) (string, string) {
	if query == "" {
		return assistant.UsageReply, "usage"
	}
	if p.deps.Responder == nil {
		return assistant.FallbackReply, "unavailable"
	}
	if err := p.jobs.Acquire(ctx, 1); err != nil {
		p.logger.Warn("assistant queue wait expired", "project_id", project.ID, "err", err)
		return assistant.FallbackReply, "timeout"
	}
	defer p.jobs.Release(1)

	history, err := p.deps.Store.RecentMessages(ctx, project.ID, p.opts.AssistantHistorySize)
	if err != nil {
		p.logger.Warn("assistant history load failed", "project_id", project.ID, "err", err)
		return assistant.FallbackReply, "error"
	}
	tasks, err := p.deps.Store.ListTasks(ctx, project.ID)
	if err != nil {
		p.logger.Warn("assistant task load failed", "project_id", project.ID, "err", err)
		return assistant.FallbackReply, "error"
	}

	prompt := assistant.BuildPrompt(assistant.BuildContext(project, tasks, history), query)
	reply, err := p.deps.Responder.Generate(ctx, prompt)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		p.logger.Warn("assistant call failed", "project_id", project.ID, "outcome", outcome, "err", err)
		return assistant.FallbackReply, outcome
	}
	return reply, "ok"
}

// postReply persists then broadcasts as the assistant identity. It runs on
// its own deadline so a reply produced at the edge of the timeout, or
// during shutdown, is still stored.
func (p *Pipeline) postReply(project store.Project, body string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.baseCtx), replyPersistTO)
	defer cancel()

	now := time.Now().UTC()
	msg, err := p.deps.Store.InsertMessage(ctx, store.ChatMessage{
		ProjectID: project.ID,
		UserID:    assistant.BotID,
		Username:  assistant.BotName,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		p.logger.Error("persist assistant reply failed", "project_id", project.ID, "err", err)
		return
	}
	metrics.ChatMessagesTotal.WithLabelValues("assistant").Inc()

	p.publish(ctx, project.ID, realtime.EventNewMessage, realtime.NewMessageView(msg))
	p.index(msg)
}
