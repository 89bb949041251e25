package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/assistant"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

func TestAssistantMention(t *testing.T) {
	ctx := context.Background()

	t.Run("should broadcast the question first and the reply after", func(t *testing.T) {
		req := require.New(t)
		var prompt atomic.Value
		responder := assistant.ResponderFunc(func(_ context.Context, p string) (string, error) {
			prompt.Store(p)
			return "Design is still open.", nil
		})
		h := newHarness(t, Deps{Responder: responder}, Options{AssistantTimeout: time.Second})
		h.store.tasks["P123"] = []store.Task{{Title: "Design", Status: store.TaskTodo}}

		question, err := h.pipeline.Send(ctx, "P123", alice, "@Assistant what's open?")
		req.NoError(err)
		h.pipeline.Wait()

		msgs := h.publisher.events(realtime.EventNewMessage)
		req.Len(msgs, 2)
		req.Equal(question.ID, msgs[0].message(t).ID)
		reply := msgs[1].message(t)
		req.Equal(assistant.BotID, reply.UserID)
		req.Equal(assistant.BotName, reply.Username)
		req.Equal("Design is still open.", reply.Message)

		stored, err := h.store.GetMessage(ctx, reply.ID)
		req.NoError(err)
		req.Equal("Design is still open.", stored.Body)

		p := prompt.Load().(string)
		req.Contains(p, "Project Name: Launch")
		req.Contains(p, "- Design (Status: To Do)")
		req.Contains(p, "alice: @Assistant what's open?")
		req.True(strings.HasSuffix(p, "--- User Question ---\nwhat's open?"))
	})

	t.Run("should post the fallback when the responder fails", func(t *testing.T) {
		req := require.New(t)
		responder := assistant.ResponderFunc(func(context.Context, string) (string, error) {
			return "", errors.New("quota exceeded")
		})
		h := newHarness(t, Deps{Responder: responder}, Options{AssistantTimeout: time.Second})

		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistant summarize")
		req.NoError(err)
		h.pipeline.Wait()

		msgs := h.publisher.events(realtime.EventNewMessage)
		req.Len(msgs, 2)
		req.Equal(assistant.FallbackReply, msgs[1].message(t).Message)
	})

	t.Run("should post the fallback within the timeout", func(t *testing.T) {
		req := require.New(t)
		responder := assistant.ResponderFunc(func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		h := newHarness(t, Deps{Responder: responder}, Options{AssistantTimeout: 50 * time.Millisecond})

		start := time.Now()
		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistant slow question")
		req.NoError(err)
		h.pipeline.Wait()
		req.Less(time.Since(start), 2*time.Second)

		msgs := h.publisher.events(realtime.EventNewMessage)
		req.Len(msgs, 2)
		req.Equal(assistant.FallbackReply, msgs[1].message(t).Message)
		req.Equal(assistant.BotID, msgs[1].message(t).UserID)
	})

	t.Run("should answer a bare mention with usage help", func(t *testing.T) {
		req := require.New(t)
		var calls atomic.Int32
		responder := assistant.ResponderFunc(func(context.Context, string) (string, error) {
			calls.Add(1)
			return "unused", nil
		})
		h := newHarness(t, Deps{Responder: responder}, Options{})

		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistant")
		req.NoError(err)
		h.pipeline.Wait()

		msgs := h.publisher.events(realtime.EventNewMessage)
		req.Len(msgs, 2)
		req.Equal(assistant.UsageReply, msgs[1].message(t).Message)
		req.Zero(calls.Load())
	})

	t.Run("should fall back without a responder", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, Deps{}, Options{})

		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistant hi")
		req.NoError(err)
		h.pipeline.Wait()

		msgs := h.publisher.events(realtime.EventNewMessage)
		req.Len(msgs, 2)
		req.Equal(assistant.FallbackReply, msgs[1].message(t).Message)
	})

	t.Run("should not notify members about assistant replies", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, Deps{}, Options{})

		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistant hi")
		req.NoError(err)
		h.pipeline.Wait()
		req.Equal(map[string]int{"owner": 1, "bob": 1, "carol": 1}, h.notifier.byUser())
	})

	t.Run("should not answer a word that merely starts with the mention", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, Deps{}, Options{})

		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistantship applications are open")
		req.NoError(err)
		h.pipeline.Wait()
		req.Len(h.publisher.events(realtime.EventNewMessage), 1)
	})

	t.Run("should ignore mentions after shutdown", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, Deps{}, Options{})
		h.pipeline.Close()

		_, err := h.pipeline.Send(ctx, "P123", alice, "@assistant hi")
		req.NoError(err)
		h.pipeline.Wait()
		req.Len(h.publisher.events(realtime.EventNewMessage), 1)
	})
}

func TestAsk(t *testing.T) {
	ctx := context.Background()

	t.Run("should post the prompt as a mention and answer it", func(t *testing.T) {
		req := require.New(t)
		var prompt atomic.Value
		responder := assistant.ResponderFunc(func(_ context.Context, p string) (string, error) {
			prompt.Store(p)
			return "Two tasks are open.", nil
		})
		h := newHarness(t, Deps{Responder: responder}, Options{AssistantPrefix: "@gemini", AssistantTimeout: time.Second})

		question, err := h.pipeline.Ask(ctx, "P123", alice, "  what is open?  ")
		req.NoError(err)
		req.Equal("@gemini what is open?", question.Body)
		h.pipeline.Wait()

		msgs := h.publisher.events(realtime.EventNewMessage)
		req.Len(msgs, 2)
		req.Equal(question.ID, msgs[0].message(t).ID)
		req.Equal("Two tasks are open.", msgs[1].message(t).Message)
		req.True(strings.HasSuffix(prompt.Load().(string), "--- User Question ---\nwhat is open?"))
	})

	t.Run("should reject an empty prompt", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, Deps{}, Options{})

		_, err := h.pipeline.Ask(ctx, "P123", alice, "   ")
		req.True(apperr.Is(err, apperr.KindInvalidInput))
		req.Empty(h.store.all())
	})

	t.Run("should reject outsiders", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t, Deps{}, Options{})

		_, err := h.pipeline.Ask(ctx, "P123", Author{ID: "mallory", Name: "mallory"}, "hi")
		req.True(apperr.Is(err, apperr.KindForbidden))
		h.pipeline.Wait()
		req.Empty(h.publisher.published())
	})
}
