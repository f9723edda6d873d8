package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	dispatchTracer    = otel.Tracer("quotepush/push")
	dispatchMeter     = otel.Meter("quotepush/push")
	dispatchSent, _   = dispatchMeter.Int64Counter("push.dispatch.sent", metric.WithDescription("Notifications accepted by a provider"))
	dispatchFailed, _ = dispatchMeter.Int64Counter("push.dispatch.failed", metric.WithDescription("Notifications rejected or not delivered"))
	dispatchDeact, _  = dispatchMeter.Int64Counter("push.dispatch.deactivated", metric.WithDescription("Tokens deactivated after a permanent failure"))
)

// Service resolves recipients, fans out through the configured channels and
// keeps the token store in line with provider verdicts.
type Service struct {
	store    TokenStore
	channels map[Kind]PushChannel
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates a notification service. Channels are keyed by their
// Kind; a later channel of the same kind replaces an earlier one.
func NewService(store TokenStore, logger *slog.Logger, channels ...PushChannel) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		channels: make(map[Kind]PushChannel, len(channels)),
		logger:   logger.With("component", "notification"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, ch := range channels {
		if ch != nil {
			s.channels[ch.Kind()] = ch
		}
	}
	return s
}

// HasChannel reports whether a channel is configured for kind.
func (s *Service) HasChannel(kind Kind) bool {
	_, ok := s.channels[kind]
	return ok
}

// RegisterDevice registers a push address for a user.
func (s *Service) RegisterDevice(ctx context.Context, params RegisterParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.store.Register(ctx, params)
}

func (s *Service) ListDevices(ctx context.Context, userID string) ([]*DeviceToken, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return s.store.ListByUser(ctx, userID)
}

// Unsubscribe deactivates one of the user's tokens.
func (s *Service) Unsubscribe(ctx context.Context, userID string, kind Kind, token string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}
	if token == "" {
		return ErrInvalidToken
	}
	return s.store.Unsubscribe(ctx, userID, kind, token)
}

// DeactivateTokens marks addresses inactive outside of a dispatch.
func (s *Service) DeactivateTokens(ctx context.Context, refs []TokenRef) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	return s.store.Deactivate(ctx, refs)
}

// recipient is a resolved token with the owner it was resolved for.
type recipient struct {
	userID string
	token  *DeviceToken
}

// Dispatch sends req to every resolved token and returns the aggregate.
//
// With no resolvable token it returns ErrNoRecipients together with a
// result carrying sent=0 and failed=0; no channel is called. Permanent
// failures are deactivated before Dispatch returns. Identical requests
// deliver twice.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := dispatchTracer.Start(ctx, "push.dispatch", trace.WithAttributes(
		attribute.Int("push.user_ids", len(req.UserIDs)),
		attribute.Int("push.direct_tokens", len(req.Tokens)+len(req.Subscriptions)),
	))
	defer span.End()

	recipients, err := s.resolve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(recipients) == 0 {
		s.logger.Info("dispatch skipped, no active tokens", "user_ids", len(req.UserIDs))
		return &DispatchResult{
			Success: false,
			Error:   ErrNoRecipients.Error(),
			Results: []RecipientResult{},
		}, ErrNoRecipients
	}

	data := mergeData(req.Data, req.QuoteData, s.now())

	byID := make(map[string]int, len(recipients))
	groups := make(map[Kind][]Message)
	for i, r := range recipients {
		m := Message{
			ID:           s.newID(),
			Kind:         r.token.Kind,
			Token:        r.token.Token,
			P256dh:       r.token.P256dh,
			Auth:         r.token.Auth,
			APNSToken:    r.token.APNSToken,
			Notification: req.Notification,
			Data:         data,
		}
		byID[m.ID] = i
		groups[m.Kind] = append(groups[m.Kind], m)
	}

	outcomes := s.sendGroups(ctx, groups)

	result := &DispatchResult{
		Success: true,
		Results: make([]RecipientResult, len(recipients)),
	}
	for i, r := range recipients {
		result.Results[i] = RecipientResult{
			UserID: r.userID,
			Kind:   r.token.Kind,
			Token:  r.token.Token,
			Error:  "no provider response",
		}
	}

	var permanent []TokenRef
	var permanentIdx []int
	for _, o := range outcomes {
		i, ok := byID[o.MessageID]
		if !ok {
			s.logger.Warn("outcome for unknown message", "message_id", o.MessageID)
			continue
		}
		res := &result.Results[i]
		res.Success = o.Success
		res.MessageID = o.ProviderID
		res.Error = o.Error
		res.ErrorCode = o.ErrorCode
		if o.Success {
			res.Error = ""
			continue
		}
		if o.Permanent {
			permanent = append(permanent, recipients[i].token.Ref())
			permanentIdx = append(permanentIdx, i)
		}
	}

	if len(permanent) > 0 {
		n, err := s.store.Deactivate(ctx, permanent)
		if err != nil {
			s.logger.Error("failed to deactivate tokens", "count", len(permanent), "error", err)
			span.RecordError(err)
		} else {
			for _, i := range permanentIdx {
				result.Results[i].Deactivated = true
			}
			result.Deactivated = len(permanentIdx)
			s.logger.Info("deactivated tokens after permanent failure", "tokens", len(permanent), "rows", n)
		}
	}

	for _, res := range result.Results {
		attrs := metric.WithAttributes(attribute.String("push.kind", string(res.Kind)))
		if res.Success {
			result.Sent++
			dispatchSent.Add(ctx, 1, attrs)
		} else {
			result.Failed++
			dispatchFailed.Add(ctx, 1, attrs)
		}
		if res.Deactivated {
			dispatchDeact.Add(ctx, 1, attrs)
		}
	}

	span.SetAttributes(
		attribute.Int("push.sent", result.Sent),
		attribute.Int("push.failed", result.Failed),
		attribute.Int("push.deactivated", result.Deactivated),
	)
	s.logger.Info("dispatch complete",
		"recipients", len(recipients),
		"sent", result.Sent,
		"failed", result.Failed,
		"deactivated", result.Deactivated,
	)

	return result, nil
}

// resolve merges store-resolved and directly supplied tokens, dropping
// duplicate (kind, token) pairs. Store rows come first.
func (s *Service) resolve(ctx context.Context, req DispatchRequest) ([]recipient, error) {
	var out []recipient
	seen := make(map[TokenRef]struct{})
	add := func(userID string, t *DeviceToken) {
		if !req.allows(t.Kind) {
			return
		}
		ref := t.Ref()
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		out = append(out, recipient{userID: userID, token: t})
	}

	if len(req.UserIDs) > 0 {
		tokens, err := s.store.ListActiveByUsers(ctx, req.UserIDs, req.Kinds)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tokens: %w", err)
		}
		for _, t := range tokens {
			if t.IsActive {
				add(t.UserID, t)
			}
		}
	}

	for _, tok := range req.Tokens {
		if tok == "" {
			continue
		}
		kind := InferKind(tok)
		if len(req.Kinds) == 1 {
			kind = req.Kinds[0]
		}
		add(DirectRecipient, &DeviceToken{UserID: DirectRecipient, Kind: kind, Token: tok, IsActive: true})
	}

	for _, sub := range req.Subscriptions {
		if sub.Endpoint == "" {
			continue
		}
		add(DirectRecipient, &DeviceToken{
			UserID:   DirectRecipient,
			Kind:     KindWebPush,
			Token:    sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
			IsActive: true,
		})
	}

	return out, nil
}

// sendGroups invokes each kind's channel once with its whole group.
// Groups run concurrently.
func (s *Service) sendGroups(ctx context.Context, groups map[Kind][]Message) []Outcome {
	results := make([][]Outcome, len(AllKinds))

	var g errgroup.Group
	for i, kind := range AllKinds {
		batch := groups[kind]
		if len(batch) == 0 {
			continue
		}
		ch, ok := s.channels[kind]
		if !ok {
			s.logger.Warn("no channel configured", "kind", kind, "messages", len(batch))
			results[i] = FailAll(batch, fmt.Errorf("%s %w", kind, ErrChannelNotConfigured))
			continue
		}

		g.Go(func() error {
			outcomes, err := ch.Send(ctx, batch)
			if err != nil {
				s.logger.Error("channel send failed", "kind", kind, "messages", len(batch), "error", err)
				outcomes = FailAll(batch, err)
			}
			results[i] = outcomes
			return nil
		})
	}
	_ = g.Wait()

	var all []Outcome
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}
