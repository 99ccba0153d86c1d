package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestBoxSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)
	box, err := NewBoxFromBase64(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	sealed, err := box.Seal("my-api-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "ENC[v1]:") {
		t.Fatalf("unexpected prefix: %s", sealed)
	}
	plain, err := box.Open(sealed)
	if err != nil || plain != "my-api-secret" {
		t.Fatalf("open = %q, %v", plain, err)
	}
}

func TestBoxPlaintextPassthrough(t *testing.T) {
	box, _ := NewBoxFromBase64("")
	got, err := box.Open("plain-key")
	if err != nil || got != "plain-key" {
		t.Fatalf("expected passthrough, got %q %v", got, err)
	}
	if _, err := box.Seal("x"); !errors.Is(err, ErrKeyNotLoaded) {
		t.Errorf("expected ErrKeyNotLoaded, got %v", err)
	}
}

func TestBoxErrors(t *testing.T) {
	k1 := bytes.Repeat([]byte{1}, KeySize)
	k2 := bytes.Repeat([]byte{2}, KeySize)
	old, _ := NewBox(map[int][]byte{1: k1})
	rotated, _ := NewBox(map[int][]byte{1: k1, 2: k2})

	v1, _ := old.Seal("secret")
	if got, err := rotated.Open(v1); err != nil || got != "secret" {
		t.Errorf("rotated box should open v1: %q %v", got, err)
	}
	v2, _ := rotated.Seal("secret")
	if !strings.HasPrefix(v2, "ENC[v2]:") {
		t.Errorf("expected v2 seal, got %s", v2)
	}
	if _, err := old.Open(v2); !errors.Is(err, ErrKeyNotLoaded) {
		t.Errorf("expected ErrKeyNotLoaded, got %v", err)
	}

	other, _ := NewBox(map[int][]byte{1: bytes.Repeat([]byte{9}, KeySize)})
	if _, err := other.Open(v1); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := old.Open("ENC[vx]:abc"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := NewBox(map[int][]byte{1: []byte("short")}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
