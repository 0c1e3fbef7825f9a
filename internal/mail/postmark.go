package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultPostmarkURL = "https://api.postmarkapp.com"
	outboundStream     = "outbound"
)

type PostmarkClient struct {
	baseURL     string
	serverToken string
	httpClient  *http.Client
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	ReplyTo       string `json:"ReplyTo,omitempty"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

type postmarkResponse struct {
	To          string `json:"To"`
	SubmittedAt string `json:"SubmittedAt"`
	MessageID   string `json:"MessageID"`
	ErrorCode   int    `json:"ErrorCode"`
	Message     string `json:"Message"`
}

func NewPostmarkClient(baseURL, serverToken string) *PostmarkClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultPostmarkURL
	}
	return &PostmarkClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		serverToken: serverToken,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *PostmarkClient) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(postmarkEmail{
		From:          msg.From,
		To:            msg.To,
		ReplyTo:       msg.ReplyTo,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		Tag:           msg.Tag,
		MessageStream: outboundStream,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("postmark request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("read postmark response: %w", err)
	}
	var out postmarkResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return "", fmt.Errorf("decode postmark response: %w", err)
	}
	if resp.StatusCode >= 300 || out.ErrorCode != 0 {
		return "", fmt.Errorf("%w: status %d code %d: %s", ErrRejected, resp.StatusCode, out.ErrorCode, out.Message)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("%w: empty message id", ErrRejected)
	}
	return out.MessageID, nil
}
