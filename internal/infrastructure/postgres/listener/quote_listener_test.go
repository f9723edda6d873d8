package listener

import (
	"context"
	"errors"
	"testing"

	"quotepush/internal/domain/quote"
)

type MockLookup struct {
	GetRequestFunc func(ctx context.Context, id string) (*quote.Request, error)
	GetStoreFunc   func(ctx context.Context, id string) (*quote.Store, error)
}

func (m *MockLookup) GetRequest(ctx context.Context, id string) (*quote.Request, error) {
	return m.GetRequestFunc(ctx, id)
}

func (m *MockLookup) GetStore(ctx context.Context, id string) (*quote.Store, error) {
	return m.GetStoreFunc(ctx, id)
}

type published struct {
	userID string
	toast  quote.Toast
}

type recordingPublisher struct {
	sent []published
}

func (p *recordingPublisher) Publish(userID string, v any) int {
	p.sent = append(p.sent, published{userID: userID, toast: v.(quote.Toast)})
	return 1
}

func newLookup(owner string) *MockLookup {
	return &MockLookup{
		GetRequestFunc: func(ctx context.Context, id string) (*quote.Request, error) {
			return &quote.Request{ID: id, UserID: owner, Details: quote.RequestDetails{DeviceName: "Galaxy S25"}}, nil
		},
		GetStoreFunc: func(ctx context.Context, id string) (*quote.Store, error) {
			return &quote.Store{ID: id, OwnerID: "partner-1", Name: "Acme Mobile"}, nil
		},
	}
}

func TestHandleEvent_InsertNotifiesRequestOwner(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewQuoteListener("", newLookup("user-1"), pub, nil, nil)

	l.HandleEvent(context.Background(), QuoteEvent{Op: "INSERT", QuoteID: "q1", RequestID: "r1", StoreID: "s1", Status: "sent"})

	if len(pub.sent) != 1 {
		t.Fatalf("published %d toasts, want 1", len(pub.sent))
	}
	got := pub.sent[0]
	if got.userID != "user-1" {
		t.Errorf("userID = %q, want user-1", got.userID)
	}
	if got.toast.Type != quote.ToastQuoteReceived || got.toast.Message != "Acme Mobile sent a quote for Galaxy S25" {
		t.Errorf("toast = %+v", got.toast)
	}
}

func TestHandleEvent_ResolvesOwnerPerEvent(t *testing.T) {
	owners := map[string]string{"r1": "user-1", "r2": "user-2"}
	lookup := newLookup("")
	lookup.GetRequestFunc = func(ctx context.Context, id string) (*quote.Request, error) {
		return &quote.Request{ID: id, UserID: owners[id]}, nil
	}
	pub := &recordingPublisher{}
	l := NewQuoteListener("", lookup, pub, nil, nil)

	l.HandleEvent(context.Background(), QuoteEvent{Op: "INSERT", QuoteID: "q1", RequestID: "r1", StoreID: "s1", Status: "sent"})
	// a request opened after the listener started
	owners["r3"] = "user-3"
	l.HandleEvent(context.Background(), QuoteEvent{Op: "INSERT", QuoteID: "q2", RequestID: "r3", StoreID: "s1", Status: "sent"})

	if len(pub.sent) != 2 || pub.sent[0].userID != "user-1" || pub.sent[1].userID != "user-3" {
		t.Errorf("published = %+v", pub.sent)
	}
}

func TestHandleEvent_AcceptedAlsoNotifiesStore(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewQuoteListener("", newLookup("user-1"), pub, nil, nil)

	l.HandleEvent(context.Background(), QuoteEvent{Op: "UPDATE", QuoteID: "q1", RequestID: "r1", StoreID: "s1", Status: "accepted"})

	if len(pub.sent) != 2 {
		t.Fatalf("published %d toasts, want 2", len(pub.sent))
	}
	if pub.sent[0].userID != "user-1" || pub.sent[0].toast.Type != quote.ToastQuoteUpdated {
		t.Errorf("owner toast = %+v", pub.sent[0])
	}
	if pub.sent[1].userID != "partner-1" || pub.sent[1].toast.Title != "Quote accepted" {
		t.Errorf("store toast = %+v", pub.sent[1])
	}
}

func TestHandleEvent_LookupFailurePublishesNothing(t *testing.T) {
	lookup := newLookup("user-1")
	lookup.GetRequestFunc = func(ctx context.Context, id string) (*quote.Request, error) {
		return nil, quote.ErrRequestNotFound
	}
	pub := &recordingPublisher{}
	l := NewQuoteListener("", lookup, pub, nil, nil)

	l.HandleEvent(context.Background(), QuoteEvent{Op: "INSERT", RequestID: "gone"})
	if len(pub.sent) != 0 {
		t.Errorf("published %d toasts, want 0", len(pub.sent))
	}

	lookup = newLookup("user-1")
	lookup.GetStoreFunc = func(ctx context.Context, id string) (*quote.Store, error) {
		return nil, errors.New("db down")
	}
	l = NewQuoteListener("", lookup, pub, nil, nil)
	l.HandleEvent(context.Background(), QuoteEvent{Op: "INSERT", RequestID: "r1"})
	if len(pub.sent) != 0 {
		t.Errorf("published %d toasts, want 0", len(pub.sent))
	}
}
