package notification

import (
	"errors"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"web-push", KindWebPush, false},
		{"webpush", KindWebPush, false},
		{"Web", KindWebPush, false},
		{"fcm", KindFCM, false},
		{" EXPO ", KindExpo, false},
		{"apns", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInferKind(t *testing.T) {
	tests := map[string]Kind{
		"ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]": KindExpo,
		"ExpoPushToken[yyyy]":                       KindExpo,
		"dQw4w9WgXcQ:APA91bH...":                    KindFCM,
		"":                                          KindFCM,
	}
	for token, want := range tests {
		if got := InferKind(token); got != want {
			t.Errorf("InferKind(%q) = %q, want %q", token, got, want)
		}
	}
}

func TestRegisterParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  RegisterParams
		wantErr error
	}{
		{"valid fcm", RegisterParams{UserID: "u1", Kind: KindFCM, Token: "t"}, nil},
		{"valid web push", RegisterParams{UserID: "u1", Kind: KindWebPush, Token: "https://e", P256dh: "p", Auth: "a"}, nil},
		{"missing user", RegisterParams{Kind: KindFCM, Token: "t"}, ErrInvalidUserID},
		{"bad kind", RegisterParams{UserID: "u1", Kind: "sms", Token: "t"}, ErrInvalidKind},
		{"blank token", RegisterParams{UserID: "u1", Kind: KindExpo, Token: "  "}, ErrInvalidToken},
		{"web push without keys", RegisterParams{UserID: "u1", Kind: KindWebPush, Token: "https://e"}, ErrMissingSubscriptionKeys},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatchRequest_Validate(t *testing.T) {
	ok := DispatchRequest{Notification: Payload{Title: "t", Body: "b"}}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	noBody := DispatchRequest{Notification: Payload{Title: "t", Body: " "}}
	if err := noBody.Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Validate() = %v, want ErrInvalidPayload", err)
	}

	badKind := DispatchRequest{Notification: Payload{Title: "t", Body: "b"}, Kinds: []Kind{"pager"}}
	if err := badKind.Validate(); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Validate() = %v, want ErrInvalidKind", err)
	}
}

func TestStringifyData(t *testing.T) {
	got := StringifyData(map[string]any{
		"quote_id": "q-1",
		"amount":   float64(50000),
		"ratio":    0.25,
		"urgent":   true,
		"skip":     nil,
		"tags":     []any{"a", "b"},
	})

	want := map[string]string{
		"quote_id": "q-1",
		"amount":   "50000",
		"ratio":    "0.25",
		"urgent":   "true",
		"tags":     `["a","b"]`,
	}
	if len(got) != len(want) {
		t.Fatalf("StringifyData() returned %d keys, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	if StringifyData(nil) != nil {
		t.Error("StringifyData(nil) should be nil")
	}
}

func TestMergeData(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("KST", 9*3600))
	base := map[string]string{"type": "custom", "extra": "1"}

	plain := mergeData(base, nil, now)
	if plain["type"] != "custom" || plain["extra"] != "1" {
		t.Errorf("without quote data the base map should pass through: %v", plain)
	}

	merged := mergeData(base, &QuoteData{QuoteID: "q", BusinessName: "Shop", Amount: 1234.5}, now)
	if merged["type"] != TypeQuoteReceived {
		t.Errorf("type = %q, want %q", merged["type"], TypeQuoteReceived)
	}
	if merged["amount"] != "1234.5" {
		t.Errorf("amount = %q, want 1234.5", merged["amount"])
	}
	if merged["timestamp"] != "2024-01-01T18:04:05Z" {
		t.Errorf("timestamp = %q", merged["timestamp"])
	}
	if base["type"] != "custom" {
		t.Error("mergeData must not modify its input")
	}
}
