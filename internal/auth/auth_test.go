package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecretMatches(t *testing.T) {
	tests := []struct {
		configured, presented string
		want                  bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cret", "S3cret", false},
		{"s3cret", "", false},
		{"", "", false},
		{"", "anything", false},
	}
	for _, tc := range tests {
		if got := SecretMatches(tc.configured, tc.presented); got != tc.want {
			t.Fatalf("SecretMatches(%q, %q)=%v want %v", tc.configured, tc.presented, got, tc.want)
		}
	}
}

func TestVerifyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"id":"u1","email":"p@example.com"}`))
		case "Bearer noemail":
			_, _ = w.Write([]byte(`{"id":"u2"}`))
		default:
			http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewSupabaseClient(srv.URL+"/", "anon")
	user, err := c.VerifyAccessToken(context.Background(), "good")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user.ID != "u1" || user.Email != "p@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := c.VerifyAccessToken(context.Background(), "bad"); err == nil {
		t.Fatalf("expected rejected token")
	}
	if _, err := c.VerifyAccessToken(context.Background(), "noemail"); err == nil {
		t.Fatalf("expected error for user without email")
	}
}
