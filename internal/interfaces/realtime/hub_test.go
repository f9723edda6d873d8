package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"quotepush/internal/domain/quote"
)

func mockClient(hub *Hub, userID string) *Client {
	return &Client{hub: hub, userID: userID, send: make(chan []byte, sendBufferSize)}
}

func TestPublish_OnlyReachesUser(t *testing.T) {
	hub := NewHub(nil)
	alice1 := mockClient(hub, "alice")
	alice2 := mockClient(hub, "alice")
	bob := mockClient(hub, "bob")
	for _, c := range []*Client{alice1, alice2, bob} {
		hub.Register(c)
	}

	n := hub.Publish("alice", quote.Toast{Type: quote.ToastQuoteReceived, QuoteID: "q1"})
	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}

	for _, c := range []*Client{alice1, alice2} {
		select {
		case data := <-c.send:
			var got quote.Toast
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.QuoteID != "q1" {
				t.Errorf("QuoteID = %q", got.QuoteID)
			}
		default:
			t.Error("alice connection received nothing")
		}
	}
	select {
	case <-bob.send:
		t.Error("bob must not receive alice's toast")
	default:
	}
}

func TestUnregister(t *testing.T) {
	hub := NewHub(nil)
	c := mockClient(hub, "alice")
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
	if n := hub.Publish("alice", map[string]string{"x": "y"}); n != 0 {
		t.Errorf("delivered = %d after unregister", n)
	}
}

func TestPublish_FullBufferDrops(t *testing.T) {
	hub := NewHub(nil)
	c := mockClient(hub, "alice")
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Publish("alice", i)
	}
	if n := hub.Publish("alice", "dropped"); n != 0 {
		t.Errorf("delivered = %d, want 0 on full buffer", n)
	}
	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, "user")
			hub.Register(c)
			hub.Publish("user", "hello")
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

type stubValidator map[string]string

func (s stubValidator) Validate(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

func TestHandler_StreamsToAuthenticatedUser(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewHandler(hub, stubValidator{"good": "alice"}, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?access_token=good"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish("alice", quote.Toast{Type: quote.ToastQuoteUpdated, QuoteID: "q9", Status: quote.StatusViewed})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got quote.Toast
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.QuoteID != "q9" || got.Status != quote.StatusViewed {
		t.Errorf("toast = %+v", got)
	}
}

func TestHandler_RejectsMissingOrBadToken(t *testing.T) {
	hub := NewHub(nil)
	h := NewHandler(hub, stubValidator{"good": "alice"}, nil)

	tests := []struct {
		name   string
		target string
		header string
	}{
		{"no token", "/", ""},
		{"bad query token", "/?access_token=bad", ""},
		{"bad header token", "/", "Bearer bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}
