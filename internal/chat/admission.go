package chat

import (
	"context"
	"encoding/json"
	"sync"

	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

const maxPendingFrames = 256

// admission is what a chat socket registers in its room. Until admit runs
// it holds broadcasts back, so the history envelope is always the first
// frame the client sees and nothing persisted after the join is lost.
type admission struct {
	Socket

	mu      sync.Mutex
	open    bool
	pending [][]byte
}

func newAdmission(sock Socket) *admission {
	return &admission{Socket: sock}
}

func (a *admission) Send(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return a.Socket.Send(ctx, payload)
	}
	if len(a.pending) >= maxPendingFrames {
		return realtime.ErrSendBufferFull
	}
	a.pending = append(a.pending, payload)
	return nil
}

// admit sends the history envelope, then every held frame except
// new_message frames for messages the history already carries.
func (a *admission) admit(ctx context.Context, historyPayload []byte, history []store.ChatMessage) error {
	seen := make(map[string]struct{}, len(history))
	for _, msg := range history {
		seen[msg.ID] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.Socket.Send(ctx, historyPayload); err != nil {
		return err
	}
	for _, frame := range a.pending {
		if id, ok := newMessageID(frame); ok {
			if _, dup := seen[id]; dup {
				continue
			}
		}
		if err := a.Socket.Send(ctx, frame); err != nil {
			return err
		}
	}
	a.pending = nil
	a.open = true
	return nil
}

func newMessageID(frame []byte) (string, bool) {
	var env struct {
		Event realtime.Event  `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil || env.Event != realtime.EventNewMessage {
		return "", false
	}
	var view struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil {
		return "", false
	}
	return view.ID, view.ID != ""
}
