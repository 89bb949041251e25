// Package realtime multiplexes live socket connections into broadcast
// channels keyed by project or user.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"synergysphere/api/internal/metrics"
	"synergysphere/api/internal/store"
)

// Conn is one live duplex connection. Send must not block on a slow peer.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Publisher delivers a payload to every connection on a channel. The local
// Registry and the Redis relay both satisfy it.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

func ProjectChannel(projectID string) string {
	return "project:" + store.CanonicalID(projectID)
}

func UserChannel(userID string) string {
	return "user:" + store.CanonicalID(userID)
}

// Registry owns the channel map. Members are snapshotted under the lock
// and sent to outside it, so a slow broadcast never blocks joins or other
// channels.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[string]Conn
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{channels: make(map[string]map[string]Conn), logger: logger}
}

func (r *Registry) Join(key string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[key]
	if !ok {
		members = make(map[string]Conn)
		r.channels[key] = members
		metrics.RealtimeChannels.Inc()
	}
	if _, exists := members[conn.ID()]; !exists {
		members[conn.ID()] = conn
		metrics.RealtimeConnections.Inc()
	}
}

// Leave is idempotent. The channel entry is dropped with its last member.
func (r *Registry) Leave(key string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key, conn.ID())
}

func (r *Registry) removeLocked(key, connID string) bool {
	members, ok := r.channels[key]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	metrics.RealtimeConnections.Dec()
	if len(members) == 0 {
		delete(r.channels, key)
		metrics.RealtimeChannels.Dec()
	}
	return true
}

// Broadcast sends payload to every connection registered under key when
// the call starts. Connections whose Send fails are closed and removed;
// the failure never reaches the caller. It returns the number of
// successful sends.
func (r *Registry) Broadcast(ctx context.Context, key string, payload []byte) int {
	r.mu.Lock()
	members := make([]Conn, 0, len(r.channels[key]))
	for _, conn := range r.channels[key] {
		members = append(members, conn)
	}
	r.mu.Unlock()

	metrics.RealtimeBroadcastsTotal.Inc()
	delivered := 0
	var broken []Conn
	for _, conn := range members {
		if err := conn.Send(ctx, payload); err != nil {
			r.logger.Warn("dropping connection after failed send", "channel", key, "conn_id", conn.ID(), "err", err)
			broken = append(broken, conn)
			continue
		}
		delivered++
	}

	if len(broken) > 0 {
		r.mu.Lock()
		for _, conn := range broken {
			if r.removeLocked(key, conn.ID()) {
				metrics.RealtimeDroppedConnectionsTotal.Inc()
			}
		}
		r.mu.Unlock()
		for _, conn := range broken {
			_ = conn.Close()
		}
	}
	return delivered
}

func (r *Registry) Publish(ctx context.Context, key string, payload []byte) error {
	r.Broadcast(ctx, key, payload)
	return nil
}

func (r *Registry) HasChannel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[key]
	return ok
}

func (r *Registry) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[key])
}

// CloseAll closes every registered connection. Used on shutdown; each
// connection's own cleanup performs the Leave.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []Conn
	for _, members := range r.channels {
		for _, conn := range members {
			all = append(all, conn)
		}
	}
	r.mu.Unlock()
	for _, conn := range all {
		_ = conn.Close()
	}
}
