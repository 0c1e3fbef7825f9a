package game

import (
	"errors"
	"testing"

	"stardust/internal/store"
)

func TestNormalizeEmail(t *testing.T) {
	valid := map[string]string{
		"A@Example.com":          "a@example.com",
		"  player@stardust.io  ": "player@stardust.io",
	}
	for in, want := range valid {
		got, err := NormalizeEmail(in)
		if err != nil {
			t.Fatalf("expected %q to be valid: %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeEmail(%q)=%q want %q", in, got, want)
		}
	}

	invalid := []string{"", "   ", "no-at-sign", "Name <a@b.c>", "a@"}
	for _, in := range invalid {
		if _, err := NormalizeEmail(in); !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("expected %q to fail, got %v", in, err)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		from string
		want string
	}{
		{from: "Player One <Player@Example.com>", want: "player@example.com"},
		{from: "player@example.com", want: "player@example.com"},
		{from: `"Weird, Name" <w@example.com>`, want: "w@example.com"},
		{from: "broken name <x@example.com", want: "broken name <x@example.com"},
		{from: "not parseable <y@example.com> trailing", want: "y@example.com"},
		{from: "  ", want: ""},
	}
	for _, tc := range tests {
		if got := ExtractAddress(tc.from); got != tc.want {
			t.Fatalf("ExtractAddress(%q)=%q want %q", tc.from, got, tc.want)
		}
	}
}

func TestWordCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "one", want: 1},
		{text: "  two\twords\n", want: 2},
		{text: "a b  c\n\nd", want: 4},
	}
	for _, tc := range tests {
		if got := WordCount(tc.text); got != tc.want {
			t.Fatalf("WordCount(%q)=%d want %d", tc.text, got, tc.want)
		}
	}
}

func TestStoreErrKeepsDomainErrors(t *testing.T) {
	if storeErr(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if err := storeErr(ErrPlayerNotFound); err != ErrPlayerNotFound {
		t.Fatalf("domain error rewrapped: %v", err)
	}
	err := storeErr(errors.New("disk full"))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if err := notFoundAs(store.ErrNotFound, ErrSecretNotFound); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found kind, got %v", err)
	}
}

func TestPlayerTokenIsHex(t *testing.T) {
	a, err := newPlayerToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := newPlayerToken()
	if len(a) != 32 || a == b {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}
