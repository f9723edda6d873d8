package fcmlegacy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"quotepush/internal/domain/notification"
)

func batch(tokens ...string) []notification.Message {
	badge := 3
	out := make([]notification.Message, len(tokens))
	for i, tok := range tokens {
		out[i] = notification.Message{
			ID:           fmt.Sprintf("m-%d", i),
			Kind:         notification.KindFCM,
			Token:        tok,
			Notification: notification.Payload{Title: "New quote arrived", Body: "body", Badge: &badge},
			Data:         map[string]string{"type": "quote_received"},
		}
	}
	return out
}

func TestSend_ClassifiesPerIndexResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "key=server-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req legacyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.RegistrationIDs) != 4 || req.RegistrationIDs[1] != "t-unreg" {
			t.Errorf("registration_ids = %v", req.RegistrationIDs)
		}
		if req.Notification.Badge != "3" || req.Notification.Sound != "default" || req.Priority != "high" {
			t.Errorf("notification = %+v priority=%s", req.Notification, req.Priority)
		}
		if req.Data["type"] != "quote_received" {
			t.Errorf("data = %v", req.Data)
		}

		json.NewEncoder(w).Encode(legacyResponse{
			MulticastID: 1,
			Success:     1,
			Failure:     3,
			Results: []legacyResult{
				{MessageID: "0:123"},
				{Error: "NotRegistered"},
				{Error: "InvalidRegistration"},
				{Error: "Unavailable"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{ServerKey: "server-key", Endpoint: srv.URL}, nil)
	outcomes, err := client.Send(context.Background(), batch("t-ok", "t-unreg", "t-invalid", "t-busy"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []struct {
		success   bool
		permanent bool
	}{
		{true, false},
		{false, true},
		{false, true},
		{false, false},
	}
	for i, w := range want {
		o := outcomes[i]
		if o.MessageID != fmt.Sprintf("m-%d", i) {
			t.Errorf("outcome %d has message id %q", i, o.MessageID)
		}
		if o.Success != w.success || o.Permanent != w.permanent {
			t.Errorf("outcome %d = %+v, want success=%v permanent=%v", i, o, w.success, w.permanent)
		}
	}
	if outcomes[0].ProviderID != "0:123" {
		t.Errorf("ProviderID = %q", outcomes[0].ProviderID)
	}
}

func TestSend_MessageTooBigIsPermanent(t *testing.T) {
	o := toOutcome("m", legacyResult{Error: "MessageTooBig"})
	if !o.Permanent {
		t.Error("MessageTooBig should be permanent")
	}
}

func TestSend_UnauthorizedFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(Config{ServerKey: "wrong", Endpoint: srv.URL}, nil)
	outcomes, err := client.Send(context.Background(), batch("a", "b"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for _, o := range outcomes {
		if o.Success || o.Permanent {
			t.Errorf("auth failures must be transient, got %+v", o)
		}
	}
}

func TestSend_SplitsRequestsByPayload(t *testing.T) {
	var requests []legacyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req legacyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		requests = append(requests, req)
		results := make([]legacyResult, len(req.RegistrationIDs))
		for i := range results {
			results[i] = legacyResult{MessageID: "0:" + req.RegistrationIDs[i]}
		}
		json.NewEncoder(w).Encode(legacyResponse{Success: len(results), Results: results})
	}))
	defer srv.Close()

	msgs := batch("t-1", "t-2", "t-3")
	msgs[1].Data = map[string]string{"type": "test"}
	msgs[1].Notification.Title = "Test"

	client := NewClient(Config{ServerKey: "server-key", Endpoint: srv.URL}, nil)
	outcomes, err := client.Send(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	if ids := requests[0].RegistrationIDs; len(ids) != 2 || ids[0] != "t-1" || ids[1] != "t-3" {
		t.Errorf("first request ids = %v", ids)
	}
	if ids := requests[1].RegistrationIDs; len(ids) != 1 || ids[0] != "t-2" {
		t.Errorf("second request ids = %v", ids)
	}
	if requests[1].Data["type"] != "test" || requests[1].Notification.Title != "Test" {
		t.Errorf("second request payload = %+v data=%v", requests[1].Notification, requests[1].Data)
	}

	byID := map[string]notification.Outcome{}
	for _, o := range outcomes {
		byID[o.MessageID] = o
	}
	for i, tok := range []string{"t-1", "t-2", "t-3"} {
		o := byID[fmt.Sprintf("m-%d", i)]
		if !o.Success || o.ProviderID != "0:"+tok {
			t.Errorf("outcome for %s = %+v", tok, o)
		}
	}
}
