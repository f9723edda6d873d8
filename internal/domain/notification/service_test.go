package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory TokenStore keyed like the real table.
type memStore struct {
	mu            sync.Mutex
	rows          []*DeviceToken
	listErr       error
	deactivateErr error
	deactivated   [][]TokenRef
}

func (m *memStore) Register(ctx context.Context, p RegisterParams) (*DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Kind == p.Kind && r.Token == p.Token && r.UserID != p.UserID {
			r.IsActive = false
		}
	}
	for _, r := range m.rows {
		if r.UserID == p.UserID && r.Kind == p.Kind && r.Token == p.Token {
			r.IsActive = true
			return r, nil
		}
	}
	t := &DeviceToken{
		ID:       fmt.Sprintf("tok-%d", len(m.rows)+1),
		UserID:   p.UserID,
		Kind:     p.Kind,
		Token:    p.Token,
		P256dh:   p.P256dh,
		Auth:     p.Auth,
		IsActive: true,
	}
	m.rows = append(m.rows, t)
	return t, nil
}

func (m *memStore) ListActiveByUsers(ctx context.Context, userIDs []string, kinds []Kind) ([]*DeviceToken, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		users[u] = true
	}
	var out []*DeviceToken
	for _, r := range m.rows {
		if !r.IsActive || !users[r.UserID] {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, r.Kind) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID string) ([]*DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeviceToken
	for _, r := range m.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Deactivate(ctx context.Context, refs []TokenRef) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated = append(m.deactivated, refs)
	if m.deactivateErr != nil {
		return 0, m.deactivateErr
	}
	var n int64
	for _, ref := range refs {
		for _, r := range m.rows {
			if r.IsActive && r.Kind == ref.Kind && r.Token == ref.Token {
				r.IsActive = false
				n++
			}
		}
	}
	return n, nil
}

func (m *memStore) Unsubscribe(ctx context.Context, userID string, kind Kind, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.UserID == userID && r.Kind == kind && r.Token == token {
			r.IsActive = false
			return nil
		}
	}
	return ErrDeviceTokenNotFound
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// MockChannel implements PushChannel for testing
type MockChannel struct {
	kind     Kind
	SendFunc func(ctx context.Context, batch []Message) ([]Outcome, error)

	mu      sync.Mutex
	batches [][]Message
}

func (c *MockChannel) Kind() Kind { return c.kind }

func (c *MockChannel) Send(ctx context.Context, batch []Message) ([]Outcome, error) {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	if c.SendFunc != nil {
		return c.SendFunc(ctx, batch)
	}
	return acceptAll(batch), nil
}

func (c *MockChannel) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func acceptAll(batch []Message) []Outcome {
	out := make([]Outcome, len(batch))
	for i, m := range batch {
		out[i] = Outcome{MessageID: m.ID, Success: true, ProviderID: "receipt-" + m.Token}
	}
	return out
}

func seededStore(t *testing.T, rows ...RegisterParams) *memStore {
	t.Helper()
	s := &memStore{}
	for _, p := range rows {
		if _, err := s.Register(context.Background(), p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return s
}

func newTestService(store TokenStore, channels ...PushChannel) *Service {
	svc := NewService(store, slog.Default(), channels...)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

var quotePayload = Payload{Title: "New quote arrived", Body: "Mobile Store sent a quote"}

func TestDispatch_NoRecipients(t *testing.T) {
	expo := &MockChannel{kind: KindExpo}
	fcm := &MockChannel{kind: KindFCM}
	svc := newTestService(&memStore{}, expo, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserIDs:      []string{"user-without-tokens"},
		Notification: quotePayload,
	})

	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	if result == nil {
		t.Fatal("expected a result alongside the error")
	}
	if result.Success || result.Sent != 0 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Error == "" {
		t.Error("expected a descriptive error in the result")
	}
	if expo.calls() != 0 || fcm.calls() != 0 {
		t.Error("no channel should be called without recipients")
	}
}

func TestDispatch_InvalidPayload(t *testing.T) {
	svc := newTestService(&memStore{})

	_, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserIDs:      []string{"u1"},
		Notification: Payload{Title: "only a title"},
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDispatch_QuoteReceivedBothProvidersAccept(t *testing.T) {
	store := seededStore(t,
		RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[abc]"},
		RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-token-1"},
	)
	expo := &MockChannel{kind: KindExpo}
	fcm := &MockChannel{kind: KindFCM}
	svc := newTestService(store, expo, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserIDs:      []string{"u1"},
		Notification: quotePayload,
		Data:         map[string]string{"request_id": "req-1"},
		QuoteData:    &QuoteData{QuoteID: "q-1", BusinessName: "Mobile Store", Amount: 50000},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if result.Sent != 2 || result.Failed != 0 {
		t.Errorf("sent=%d failed=%d, want sent=2 failed=0", result.Sent, result.Failed)
	}
	for _, r := range result.Results {
		if !r.Success || r.MessageID == "" {
			t.Errorf("result %+v should be successful with a message id", r)
		}
		if r.UserID != "u1" {
			t.Errorf("UserID = %q, want u1", r.UserID)
		}
	}
	if expo.calls() != 1 || fcm.calls() != 1 {
		t.Errorf("each channel should be called once per dispatch, got expo=%d fcm=%d", expo.calls(), fcm.calls())
	}

	data := expo.batches[0][0].Data
	want := map[string]string{
		"type":          "quote_received",
		"quote_id":      "q-1",
		"business_name": "Mobile Store",
		"amount":        "50000",
		"timestamp":     "2024-05-01T12:00:00Z",
		"request_id":    "req-1",
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("data[%q] = %q, want %q", k, data[k], v)
		}
	}

	active, _ := store.ListActiveByUsers(context.Background(), []string{"u1"}, nil)
	if len(active) != 2 {
		t.Errorf("successful tokens must stay active, got %d active", len(active))
	}
}

func TestDispatch_PermanentFailureDeactivates(t *testing.T) {
	store := seededStore(t,
		RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[gone]"},
		RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-token-1"},
	)
	expo := &MockChannel{kind: KindExpo, SendFunc: func(ctx context.Context, batch []Message) ([]Outcome, error) {
		return []Outcome{{
			MessageID: batch[0].ID,
			Error:     `"ExponentPushToken[gone]" is not a registered push notification recipient`,
			ErrorCode: "DeviceNotRegistered",
			Permanent: true,
		}}, nil
	}}
	fcm := &MockChannel{kind: KindFCM}
	svc := newTestService(store, expo, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserIDs:      []string{"u1"},
		Notification: quotePayload,
		QuoteData:    &QuoteData{QuoteID: "q-1", BusinessName: "Mobile Store", Amount: 50000},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if result.Sent != 1 || result.Failed != 1 || result.Deactivated != 1 {
		t.Errorf("sent=%d failed=%d deactivated=%d, want 1/1/1", result.Sent, result.Failed, result.Deactivated)
	}

	var failed *RecipientResult
	for i := range result.Results {
		if !result.Results[i].Success {
			failed = &result.Results[i]
		}
	}
	if failed == nil || failed.Token != "ExponentPushToken[gone]" || !failed.Deactivated || failed.ErrorCode != "DeviceNotRegistered" {
		t.Errorf("unexpected failed entry: %+v", failed)
	}

	active, _ := store.ListActiveByUsers(context.Background(), []string{"u1"}, nil)
	if len(active) != 1 || active[0].Token != "fcm-token-1" {
		t.Errorf("deactivated token must be excluded from later resolves, got %+v", active)
	}
}

func TestDispatch_TransientFailureKeepsToken(t *testing.T) {
	store := seededStore(t, RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-token-1"})
	fcm := &MockChannel{kind: KindFCM, SendFunc: func(ctx context.Context, batch []Message) ([]Outcome, error) {
		return []Outcome{{MessageID: batch[0].ID, Error: "Unavailable", ErrorCode: "Unavailable"}}, nil
	}}
	svc := newTestService(store, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Failed != 1 || result.Deactivated != 0 {
		t.Errorf("failed=%d deactivated=%d, want 1/0", result.Failed, result.Deactivated)
	}
	if len(store.deactivated) != 0 {
		t.Error("transient failures must not trigger deactivation")
	}
}

func TestDispatch_CorrelatesByMessageID(t *testing.T) {
	store := seededStore(t,
		RegisterParams{UserID: "u1", Kind: KindFCM, Token: "good"},
		RegisterParams{UserID: "u2", Kind: KindFCM, Token: "bad"},
	)
	fcm := &MockChannel{kind: KindFCM, SendFunc: func(ctx context.Context, batch []Message) ([]Outcome, error) {
		// reversed relative to the batch
		var out []Outcome
		for i := len(batch) - 1; i >= 0; i-- {
			m := batch[i]
			if m.Token == "bad" {
				out = append(out, Outcome{MessageID: m.ID, Error: "NotRegistered", ErrorCode: "NotRegistered", Permanent: true})
			} else {
				out = append(out, Outcome{MessageID: m.ID, Success: true, ProviderID: "msg-good"})
			}
		}
		return out, nil
	}}
	svc := newTestService(store, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1", "u2"}, Notification: quotePayload})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	for _, r := range result.Results {
		switch r.Token {
		case "good":
			if !r.Success || r.UserID != "u1" || r.MessageID != "msg-good" {
				t.Errorf("good token misattributed: %+v", r)
			}
		case "bad":
			if r.Success || r.UserID != "u2" || !r.Deactivated {
				t.Errorf("bad token misattributed: %+v", r)
			}
		}
	}
}

func TestDispatch_MissingOutcomeIsFailure(t *testing.T) {
	store := seededStore(t,
		RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[a]"},
		RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[b]"},
	)
	expo := &MockChannel{kind: KindExpo, SendFunc: func(ctx context.Context, batch []Message) ([]Outcome, error) {
		return []Outcome{{MessageID: batch[0].ID, Success: true, ProviderID: "r-1"}}, nil
	}}
	svc := newTestService(store, expo)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Sent != 1 || result.Failed != 1 {
		t.Errorf("sent=%d failed=%d, want 1/1", result.Sent, result.Failed)
	}
	if result.Results[1].Error != "no provider response" {
		t.Errorf("Error = %q, want no provider response", result.Results[1].Error)
	}
}

func TestDispatch_ChannelErrorFailsBatch(t *testing.T) {
	store := seededStore(t,
		RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[a]"},
		RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-1"},
	)
	expo := &MockChannel{kind: KindExpo, SendFunc: func(ctx context.Context, batch []Message) ([]Outcome, error) {
		return nil, errors.New("expo push service returned 503")
	}}
	fcm := &MockChannel{kind: KindFCM}
	svc := newTestService(store, expo, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Sent != 1 || result.Failed != 1 || result.Deactivated != 0 {
		t.Errorf("sent=%d failed=%d deactivated=%d, want 1/1/0", result.Sent, result.Failed, result.Deactivated)
	}
}

func TestDispatch_ChannelNotConfigured(t *testing.T) {
	store := seededStore(t, RegisterParams{
		UserID: "u1", Kind: KindWebPush, Token: "https://push.example/sub", P256dh: "p", Auth: "a",
	})
	svc := newTestService(store)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", result.Failed)
	}
	if got := result.Results[0].Error; got != "web-push channel not configured" {
		t.Errorf("Error = %q", got)
	}
	if svc.HasChannel(KindWebPush) {
		t.Error("HasChannel(web-push) = true, want false")
	}
}

func TestDispatch_DirectTokens(t *testing.T) {
	store := seededStore(t, RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-1"})
	expo := &MockChannel{kind: KindExpo}
	fcm := &MockChannel{kind: KindFCM}
	web := &MockChannel{kind: KindWebPush}
	svc := newTestService(store, expo, fcm, web)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserIDs:       []string{"u1"},
		Tokens:        []string{"fcm-1", "ExpoPushToken[x]", "fcm-2", ""},
		Subscriptions: []WebSubscription{{Endpoint: "https://push.example/1", P256dh: "p", Auth: "a"}},
		Notification:  quotePayload,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(result.Results) != 4 {
		t.Fatalf("expected 4 recipients after de-duplication, got %d", len(result.Results))
	}
	owners := map[string]string{}
	kinds := map[string]Kind{}
	for _, r := range result.Results {
		owners[r.Token] = r.UserID
		kinds[r.Token] = r.Kind
	}
	if owners["fcm-1"] != "u1" {
		t.Errorf("stored token should keep its owner, got %q", owners["fcm-1"])
	}
	if owners["fcm-2"] != DirectRecipient || owners["ExpoPushToken[x]"] != DirectRecipient {
		t.Errorf("direct tokens should use the sentinel owner: %v", owners)
	}
	if kinds["ExpoPushToken[x]"] != KindExpo || kinds["https://push.example/1"] != KindWebPush {
		t.Errorf("unexpected kinds: %v", kinds)
	}
	if web.batches[0][0].P256dh != "p" {
		t.Error("subscription keys should reach the web push channel")
	}
}

func TestDispatch_KindRestriction(t *testing.T) {
	store := seededStore(t,
		RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[a]"},
		RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-1"},
	)
	expo := &MockChannel{kind: KindExpo}
	fcm := &MockChannel{kind: KindFCM}
	svc := newTestService(store, expo, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserIDs:      []string{"u1"},
		Tokens:       []string{"raw-expo-without-prefix"},
		Kinds:        []Kind{KindExpo},
		Notification: quotePayload,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if fcm.calls() != 0 {
		t.Error("fcm channel must not be called when restricted to expo")
	}
	if result.Sent != 2 {
		t.Errorf("Sent = %d, want 2", result.Sent)
	}
}

func TestDispatch_DeactivationErrorIsReported(t *testing.T) {
	store := seededStore(t, RegisterParams{UserID: "u1", Kind: KindFCM, Token: "fcm-1"})
	store.deactivateErr = errors.New("connection reset")
	fcm := &MockChannel{kind: KindFCM, SendFunc: func(ctx context.Context, batch []Message) ([]Outcome, error) {
		return []Outcome{{MessageID: batch[0].ID, ErrorCode: "UNREGISTERED", Permanent: true}}, nil
	}}
	svc := newTestService(store, fcm)

	result, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload})
	if err != nil {
		t.Fatalf("a failed deactivation must not fail the dispatch: %v", err)
	}
	if result.Deactivated != 0 || result.Results[0].Deactivated {
		t.Errorf("nothing should be reported deactivated: %+v", result)
	}
	if len(store.deactivated) != 1 {
		t.Errorf("deactivation should be attempted once, got %d", len(store.deactivated))
	}
}

func TestDispatch_NotIdempotent(t *testing.T) {
	store := seededStore(t, RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[a]"})
	expo := &MockChannel{kind: KindExpo}
	svc := newTestService(store, expo)

	req := DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload}
	for i := 0; i < 2; i++ {
		if _, err := svc.Dispatch(context.Background(), req); err != nil {
			t.Fatalf("Dispatch() #%d error = %v", i+1, err)
		}
	}
	if expo.calls() != 2 {
		t.Errorf("identical dispatches should each deliver, got %d sends", expo.calls())
	}
	if expo.batches[0][0].ID == expo.batches[1][0].ID {
		t.Error("every dispatch should mint fresh correlation ids")
	}
}

func TestDispatch_StoreError(t *testing.T) {
	store := &memStore{listErr: errors.New("db down")}
	svc := newTestService(store, &MockChannel{kind: KindFCM})

	_, err := svc.Dispatch(context.Background(), DispatchRequest{UserIDs: []string{"u1"}, Notification: quotePayload})
	if err == nil || errors.Is(err, ErrNoRecipients) {
		t.Errorf("expected a wrapped store error, got %v", err)
	}
}

func TestRegisterDevice_ReassignsToken(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.RegisterDevice(ctx, RegisterParams{UserID: "u1", Kind: KindFCM, Token: "shared"}); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if _, err := svc.RegisterDevice(ctx, RegisterParams{UserID: "u2", Kind: KindFCM, Token: "shared"}); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}

	active, _ := store.ListActiveByUsers(ctx, []string{"u1", "u2"}, nil)
	if len(active) != 1 || active[0].UserID != "u2" {
		t.Errorf("token should only address its latest owner, got %+v", active)
	}
}

func TestRegisterDevice_Validation(t *testing.T) {
	svc := newTestService(&memStore{})

	_, err := svc.RegisterDevice(context.Background(), RegisterParams{UserID: "u1", Kind: KindWebPush, Token: "https://push.example"})
	if !errors.Is(err, ErrMissingSubscriptionKeys) {
		t.Errorf("expected ErrMissingSubscriptionKeys, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	store := seededStore(t, RegisterParams{UserID: "u1", Kind: KindExpo, Token: "ExponentPushToken[a]"})
	svc := newTestService(store)
	ctx := context.Background()

	if err := svc.Unsubscribe(ctx, "u1", KindExpo, "ExponentPushToken[a]"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if err := svc.Unsubscribe(ctx, "u2", KindExpo, "ExponentPushToken[a]"); !errors.Is(err, ErrDeviceTokenNotFound) {
		t.Errorf("expected ErrDeviceTokenNotFound for another user, got %v", err)
	}
	if err := svc.Unsubscribe(ctx, "u1", Kind("sms"), "x"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}
