// Package channel implements the reply plumbing between a running agent
// and the conversation that started it. Adapters for
// concrete channels (Telegram, Discord, Slack, a local TUI) are external
// collaborators; this package only defines the Channel capability they
// implement and routes intermediate replies to the right one.
package channel

import (
	"context"
	"log/slog"
	"sync"
)

// Channel is the capability an adapter supplies: deliver one message to
// one conversation. Implementations are external collaborators.
type Channel interface {
	// Type names the channel ("telegram", "discord", "slack", "cli").
	Type() string
	// Send delivers message to conversationID.
	Send(ctx context.Context, conversationID, message string) error
}

// Router holds the registered adapters and routes replies by channel
// type.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// NewRouter returns an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{channels: make(map[string]Channel), logger: logger}
}

// Register adds an adapter. A later registration for the same type
// replaces the earlier one.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Type()] = ch
}

// Get returns the adapter for channelType.
func (r *Router) Get(channelType string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelType]
	return ch, ok
}

// ReplySender captures a dispatch's (channel_type, conversation_id) at
// task start and sends intermediate messages there. Send failures are
// logged, never propagated: a dead channel must not fail the
// iteration.
type ReplySender struct {
	router         *Router
	channelType    string
	conversationID string
	logger         *slog.Logger
}

// Sender builds a ReplySender bound to one conversation. It returns nil
// when channelType is empty, which callers treat as "no reply sink".
func (r *Router) Sender(channelType, conversationID string) *ReplySender {
	if channelType == "" {
		return nil
	}
	return &ReplySender{
		router:         r,
		channelType:    channelType,
		conversationID: conversationID,
		logger:         r.logger,
	}
}

type senderContextKey struct{}

// WithSender attaches a dispatch's ReplySender to ctx so the reply tool
// can route intermediate messages without the tool registry knowing
// about conversations.
func WithSender(ctx context.Context, s *ReplySender) context.Context {
	return context.WithValue(ctx, senderContextKey{}, s)
}

// SenderFrom extracts the dispatch's ReplySender, if any.
func SenderFrom(ctx context.Context) *ReplySender {
	s, _ := ctx.Value(senderContextKey{}).(*ReplySender)
	return s
}

// Send routes message to the bound conversation asynchronously. The
// returned channel resolves once delivery finishes (or fails); callers
// that don't care may discard it.
func (s *ReplySender) Send(ctx context.Context, message string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch, ok := s.router.Get(s.channelType)
		if !ok {
			s.logger.Warn("no channel adapter registered",
				"channel_type", s.channelType, "conversation_id", s.conversationID)
			return
		}
		if err := ch.Send(ctx, s.conversationID, message); err != nil {
			s.logger.Warn("reply send failed",
				"channel_type", s.channelType, "conversation_id", s.conversationID, "error", err)
		}
	}()
	return done
}
