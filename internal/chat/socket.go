package chat

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/time/rate"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/realtime"
)

// Websocket close codes used by the chat socket.
const (
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

const slowDownText = "You are sending messages too quickly. Please slow down."

// Socket is one accepted chat connection.
type Socket interface {
	realtime.Conn
	ReadText() (string, error)
	CloseWith(code int, reason string) error
}

type Rooms interface {
	Join(key string, conn realtime.Conn)
	Leave(key string, conn realtime.Conn)
}

// RateLimit bounds inbound messages per socket. A zero rate disables it.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

func (r RateLimit) limiter() *rate.Limiter {
	if r.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := r.Burst
	if burst < 1 {
		burst = int(math.Ceil(r.PerSecond))
	}
	return rate.NewLimiter(rate.Limit(r.PerSecond), burst)
}

// ServeSocket drives one chat connection until the peer goes away. Inbound
// frames are handled strictly in arrival order. The connection leaves the
// room on every exit path.
func (p *Pipeline) ServeSocket(ctx context.Context, sock Socket, rooms Rooms, projectID string, author Author, limit RateLimit) error {
	if _, err := p.deps.Auth.Authorize(ctx, projectID, author.ID, rbac.ActionRead); err != nil {
		closeFor(sock, err)
		return err
	}

	// Join before loading history: anything persisted from here on is
	// either in the history or held by the gate until history is queued.
	key := realtime.ProjectChannel(projectID)
	gate := newAdmission(sock)
	rooms.Join(key, gate)
	logger := p.logger.With("project_id", projectID, "user_id", author.ID, "conn_id", sock.ID())
	logger.Debug("chat socket joined")
	admitted := false
	defer func() {
		rooms.Leave(key, gate)
		if admitted {
			p.Announce(context.WithoutCancel(ctx), projectID, fmt.Sprintf("%s has left the chat.", author.Name))
		}
		logger.Debug("chat socket left")
	}()

	history, err := p.Latest(ctx, projectID, author.ID)
	if err != nil {
		closeFor(sock, err)
		return err
	}
	payload, err := realtime.Encode(realtime.EventHistory, realtime.NewMessageViews(history))
	if err != nil {
		_ = sock.CloseWith(CloseInternalError, "")
		return err
	}
	if err := gate.admit(ctx, payload, history); err != nil {
		return nil
	}
	admitted = true
	p.Announce(ctx, projectID, fmt.Sprintf("%s has joined the chat.", author.Name))

	limiter := limit.limiter()
	for {
		text, err := sock.ReadText()
		if err != nil {
			return nil
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if !limiter.Allow() {
			if warn, err := realtime.Encode(realtime.EventSystemMessage, slowDownText); err == nil {
				_ = sock.Send(ctx, warn)
			}
			continue
		}

		_, err = p.Send(ctx, projectID, author, text)
		switch {
		case err == nil:
		case apperr.Is(err, apperr.KindInvalidInput):
		default:
			logger.Warn("chat socket send failed", "err", err)
			closeFor(sock, err)
			return err
		}
	}
}

func closeFor(sock Socket, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindForbidden, apperr.KindUnauthorized, apperr.KindNotFound:
		_ = sock.CloseWith(ClosePolicyViolation, "Not a member of this project")
	default:
		_ = sock.CloseWith(CloseInternalError, "Internal error")
	}
}
