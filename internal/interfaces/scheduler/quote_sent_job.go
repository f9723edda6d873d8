package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"quotepush/internal/domain/notification"
	"quotepush/internal/domain/quote"
	"quotepush/internal/shared/messages"
)

// Dispatcher fans a notification out to resolved tokens.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notification.DispatchRequest) (*notification.DispatchResult, error)
}

// QuoteSentJob notifies a request owner that a store sent a quote.
type QuoteSentJob struct {
	event      quote.SentEvent
	dispatcher Dispatcher
	text       messages.MessageText
	logger     *slog.Logger
}

// NewQuoteSentJob creates a job for ev rendered with the quote_received text.
func NewQuoteSentJob(ev quote.SentEvent, dispatcher Dispatcher, msgs *messages.Messages, logger *slog.Logger) *QuoteSentJob {
	if msgs == nil {
		msgs = messages.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteSentJob{
		event:      ev,
		dispatcher: dispatcher,
		text:       msgs.QuoteReceived,
		logger:     logger,
	}
}

// Request builds the dispatch request for the job's event.
func (j *QuoteSentJob) Request() notification.DispatchRequest {
	q, r, s := j.event.Quote, j.event.Request, j.event.Store
	text := j.text.Render(map[string]string{
		"store":  s.Name,
		"device": r.Details.DeviceName,
	})

	return notification.DispatchRequest{
		UserIDs: []string{r.UserID},
		Notification: notification.Payload{
			Title: text.Title,
			Body:  text.Body,
			Tag:   "quote-" + q.ID,
			URL:   "/requests/" + r.ID,
		},
		Data: map[string]string{
			"request_id":  r.ID,
			"store_name":  s.Name,
			"device_name": r.Details.DeviceName,
			"total_cost":  strconv.FormatInt(q.Details.TCO24Months, 10),
		},
		QuoteData: &notification.QuoteData{
			QuoteID:      q.ID,
			BusinessName: s.Name,
			Amount:       float64(q.Details.TCO24Months),
		},
	}
}

// Execute dispatches the notification. A request owner without active
// tokens is not an error.
func (j *QuoteSentJob) Execute(ctx context.Context) error {
	result, err := j.dispatcher.Dispatch(ctx, j.Request())
	if errors.Is(err, notification.ErrNoRecipients) {
		j.logger.Info("quote notification skipped, owner has no active tokens",
			"quote_id", j.event.Quote.ID, "user_id", j.UserID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to dispatch quote notification: %w", err)
	}

	j.logger.Info("quote notification dispatched",
		"quote_id", j.event.Quote.ID,
		"sent", result.Sent,
		"failed", result.Failed,
		"deactivated", result.Deactivated,
	)
	return nil
}

func (j *QuoteSentJob) UserID() string {
	return j.event.Request.UserID
}

func (j *QuoteSentJob) Description() string {
	return fmt.Sprintf("quote %s notification", j.event.Quote.ID)
}

// Submitter accepts jobs for asynchronous execution.
type Submitter interface {
	Submit(job Job) error
}

// QuoteNotifier implements quote.Notifier by queueing a QuoteSentJob.
type QuoteNotifier struct {
	pool       Submitter
	dispatcher Dispatcher
	msgs       *messages.Messages
	logger     *slog.Logger
}

func NewQuoteNotifier(pool Submitter, dispatcher Dispatcher, msgs *messages.Messages, logger *slog.Logger) *QuoteNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteNotifier{
		pool:       pool,
		dispatcher: dispatcher,
		msgs:       msgs,
		logger:     logger.With("component", "quote_notifier"),
	}
}

// QuoteSent queues the notification and returns once the job is enqueued.
func (n *QuoteNotifier) QuoteSent(ctx context.Context, ev quote.SentEvent) error {
	if ev.Quote == nil || ev.Request == nil || ev.Store == nil {
		return errors.New("quote sent event is incomplete")
	}
	if err := n.pool.Submit(NewQuoteSentJob(ev, n.dispatcher, n.msgs, n.logger)); err != nil {
		return fmt.Errorf("failed to queue quote notification: %w", err)
	}
	return nil
}
