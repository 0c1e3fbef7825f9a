package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostmarkSend(t *testing.T) {
	var got postmarkEmail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/email" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Postmark-Server-Token") != "server-token" {
			t.Fatalf("missing server token header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(postmarkResponse{To: got.To, MessageID: "pm-123"})
	}))
	defer srv.Close()

	c := NewPostmarkClient(srv.URL+"/", "server-token")
	id, err := c.Send(context.Background(), Message{
		From:    "Letta <letta@example.com>",
		ReplyTo: "letta@example.com",
		To:      "player@example.com",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
		Tag:     "mission-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "pm-123" {
		t.Fatalf("message id=%q", id)
	}
	if got.MessageStream != "outbound" || got.HtmlBody != "<p>hi</p>" || got.Tag != "mission-1" || got.ReplyTo != "letta@example.com" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestPostmarkSendRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "error code", status: http.StatusUnprocessableEntity, body: `{"ErrorCode":300,"Message":"Invalid email request"}`},
		{name: "error code on 200", status: http.StatusOK, body: `{"ErrorCode":406,"Message":"Inactive recipient"}`},
		{name: "non json", status: http.StatusBadGateway, body: `upstream down`},
		{name: "no id", status: http.StatusOK, body: `{"ErrorCode":0}`},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := NewPostmarkClient(srv.URL, "t").Send(context.Background(), Message{To: "x@example.com"})
		srv.Close()
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("%s: expected ErrRejected, got %v", tc.name, err)
		}
	}
}

func TestLogSender(t *testing.T) {
	id, err := LogSender{}.Send(context.Background(), Message{To: "x@example.com", Subject: "s"})
	if err != nil || id == "" {
		t.Fatalf("log sender: id=%q err=%v", id, err)
	}
}
