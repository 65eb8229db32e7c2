package secrets

import (
	"errors"
	"testing"
)

func TestBox_RoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 1
	box := NewBox(key)

	sealed, err := box.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "hunter2" {
		t.Fatal("sealed value equals plaintext")
	}
	again, _ := box.Seal("hunter2")
	if again == sealed {
		t.Fatal("expected a fresh nonce per seal")
	}

	plain, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("Open = %q", plain)
	}
}

func TestBox_WrongKeyOrGarbage(t *testing.T) {
	var k1, k2 [32]byte
	k2[0] = 9
	sealed, _ := NewBox(k1).Seal("secret")

	if _, err := NewBox(k2).Open(sealed); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("wrong key error = %v", err)
	}
	if _, err := NewBox(k1).Open("not base64!"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("garbage error = %v", err)
	}
}
