// Package notify delivers user-facing notifications (order fills and
// expiries) to one or more channels. Delivery is fire-and-forget: Notify
// never blocks the caller and a failing channel never affects the ledger.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/paper-broker/internal/metrics"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification addressed to userID.
	Send(ctx context.Context, userID, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "discord").
	Name() string
}

type notification struct {
	userID  string
	title   string
	message string
}

// Notifier queues notifications and dispatches them to every sender from a
// single worker started with Run.
type Notifier struct {
	senders     []Sender
	queue       chan notification
	sendTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewNotifier creates a Notifier delivering to the given senders. The
// queue holds up to queueSize notifications; further ones are dropped.
func NewNotifier(senders []Sender, queueSize int, logger *slog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Notifier{
		senders:     senders,
		queue:       make(chan notification, queueSize),
		sendTimeout: 10 * time.Second,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Notify enqueues a notification for userID. It never blocks. After Run
// has returned, notifications are dropped and logged.
func (n *Notifier) Notify(_ context.Context, userID, title, message string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("notification dropped, notifier stopped", slog.String("user", userID), slog.String("title", title))
		metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
		return
	}
	select {
	case n.queue <- notification{userID: userID, title: title, message: message}:
	default:
		n.logger.Warn("notification dropped, queue full", slog.String("user", userID), slog.String("title", title))
		metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
	}
}

// Run delivers queued notifications until ctx is cancelled. Whatever is
// still queued at that point is delivered before Run returns.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			n.closed = true
			n.mu.Unlock()
			n.drain()
			return
		case msg := <-n.queue:
			n.dispatch(context.WithoutCancel(ctx), msg)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case msg := <-n.queue:
			n.dispatch(context.Background(), msg)
		default:
			return
		}
	}
}

// dispatch sends to every sender. A sender failure is logged and does not
// prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, msg notification) {
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
		err := s.Send(sctx, msg.userID, msg.title, msg.message)
		cancel()
		if err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("user", msg.userID),
				slog.String("error", err.Error()),
			)
			metrics.Notifications.WithLabelValues(s.Name(), "error").Inc()
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("user", msg.userID),
			slog.String("title", msg.title),
		)
		metrics.Notifications.WithLabelValues(s.Name(), "ok").Inc()
	}
}
