package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"quotepush/internal/domain/quote"
	"quotepush/internal/shared/messages"
)

const (
	channelName       = "quote_events"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
	eventTimeout      = 10 * time.Second
)

// QuoteEvent is the payload the quotes trigger sends with pg_notify.
type QuoteEvent struct {
	Op        string `json:"op"`
	QuoteID   string `json:"quote_id"`
	RequestID string `json:"request_id"`
	StoreID   string `json:"store_id"`
	Status    string `json:"status"`
}

// QuoteLookup loads the rows an event refers to.
type QuoteLookup interface {
	GetRequest(ctx context.Context, id string) (*quote.Request, error)
	GetStore(ctx context.Context, id string) (*quote.Store, error)
}

// Publisher delivers a message to the open connections of one user.
type Publisher interface {
	Publish(userID string, v any) int
}

// QuoteListener turns quote row changes into toasts for the users they
// concern. Recipients are resolved when each event arrives.
type QuoteListener struct {
	connStr    string
	lookup     QuoteLookup
	publisher  Publisher
	messages   *messages.Messages
	logger     *slog.Logger
	shutdownCh chan struct{}
	done       chan struct{}
}

func NewQuoteListener(connStr string, lookup QuoteLookup, publisher Publisher, msgs *messages.Messages, logger *slog.Logger) *QuoteListener {
	if msgs == nil {
		msgs = messages.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteListener{
		connStr:    connStr,
		lookup:     lookup,
		publisher:  publisher,
		messages:   msgs,
		logger:     logger.With("component", "quote_listener"),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *QuoteListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.logger.Info("quote listener started")
}

// Stop gracefully shuts down the listener
func (l *QuoteListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	l.logger.Info("quote listener stopped")
}

func (l *QuoteListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("reconnecting to postgres for quote events")
		}
	}
}

func (l *QuoteListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Info("connected to notification channel", "channel", channelName)
		case pq.ListenerEventDisconnected:
			l.logger.Warn("disconnected from notification channel", "error", err)
		case pq.ListenerEventReconnected:
			l.logger.Info("reconnected to notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Warn("notification connection attempt failed", "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(channelName); err != nil {
		l.logger.Error("failed to listen", "channel", channelName, "error", err)
		return
	}

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// connection lost, reconnect
				return
			}
			l.handleNotification(n)
		case <-time.After(pingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (l *QuoteListener) handleNotification(n *pq.Notification) {
	var ev QuoteEvent
	if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
		l.logger.Warn("failed to parse quote event", "error", err)
		return
	}

	// the parent context may be cancelled during shutdown
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		l.HandleEvent(ctx, ev)
	}()
}

// HandleEvent publishes the toasts for one quote event.
func (l *QuoteListener) HandleEvent(ctx context.Context, ev QuoteEvent) {
	req, err := l.lookup.GetRequest(ctx, ev.RequestID)
	if err != nil {
		l.logger.Warn("failed to resolve request owner", "request_id", ev.RequestID, "error", err)
		return
	}
	store, err := l.lookup.GetStore(ctx, ev.StoreID)
	if err != nil {
		l.logger.Warn("failed to resolve store", "store_id", ev.StoreID, "error", err)
		return
	}

	status := quote.Status(ev.Status)
	vars := map[string]string{
		"store":  store.Name,
		"device": req.Details.DeviceName,
		"status": ev.Status,
	}

	toastType := quote.ToastQuoteUpdated
	text := l.messages.QuoteUpdated
	if ev.Op == "INSERT" {
		toastType = quote.ToastQuoteReceived
		text = l.messages.QuoteReceived
	}
	text = text.Render(vars)

	delivered := l.publisher.Publish(req.UserID, quote.Toast{
		Type:      toastType,
		Title:     text.Title,
		Message:   text.Body,
		QuoteID:   ev.QuoteID,
		RequestID: ev.RequestID,
		Status:    status,
	})
	l.logger.Debug("quote toast published", "type", toastType, "quote_id", ev.QuoteID, "connections", delivered)

	if ev.Op == "UPDATE" && status == quote.StatusAccepted {
		accepted := l.messages.QuoteAccepted.Render(vars)
		l.publisher.Publish(store.OwnerID, quote.Toast{
			Type:      quote.ToastQuoteUpdated,
			Title:     accepted.Title,
			Message:   accepted.Body,
			QuoteID:   ev.QuoteID,
			RequestID: ev.RequestID,
			Status:    status,
		})
	}
}
