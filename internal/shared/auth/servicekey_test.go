package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashKey(t *testing.T) {
	key := "my-service-key"
	hash, err := HashKey(key)
	if err != nil {
		t.Fatalf("HashKey() failed: %v", err)
	}
	if hash == "" || hash == key {
		t.Fatalf("HashKey() returned %q", hash)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		t.Errorf("HashKey() produced invalid bcrypt hash: %v", err)
	}
}

func TestHashKey_Salted(t *testing.T) {
	hash1, _ := HashKey("same-key")
	hash2, _ := HashKey("same-key")

	if hash1 == hash2 {
		t.Error("HashKey() produced identical hashes for the same key")
	}
}

func TestVerifyKey(t *testing.T) {
	hash, _ := HashKey("correct-key")

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"correct", "correct-key", false},
		{"wrong", "wrong-key", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyKey(hash, tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	k2, _ := GenerateKey()

	if len(k1) != 64 {
		t.Errorf("GenerateKey() length = %d, want 64", len(k1))
	}
	if k1 == k2 {
		t.Error("GenerateKey() returned the same key twice")
	}
}
