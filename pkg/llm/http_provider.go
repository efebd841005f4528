package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fableforge/storyrun/pkg/config"
)

// HTTPProvider talks to an OpenAI-compatible chat-completions endpoint.
type HTTPProvider struct {
	name   string
	model  string
	client *resty.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewHTTPProvider builds the production provider from settings. The dialer
// carries the connect deadline, every socket read and write arms its own
// deadline, and idle pooled connections expire after the pool timeout. The
// resty client caps the whole call; the transport layer above adds the total
// step deadline.
func NewHTTPProvider(cfg *config.Settings) *HTTPProvider {
	dialer := &net.Dialer{Timeout: cfg.LLMConnectTimeout}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, read: cfg.LLMReadTimeout, write: cfg.LLMWriteTimeout}, nil
	}
	client := resty.New().
		SetBaseURL(cfg.LLMEndpoint).
		SetAuthToken(cfg.LLMAPIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.LLMTimeout).
		SetTransport(&http.Transport{
			DialContext:         dial,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     cfg.LLMPoolTimeout,
		})
	return &HTTPProvider{
		name:   cfg.LLMProviderName,
		model:  cfg.LLMModel,
		client: client,
	}
}

// deadlineConn arms a fresh deadline before every read and write, so a
// stalled stream fails after the configured socket timeout instead of riding
// out the whole call budget.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// Complete implements Provider. Temperature is pinned to zero: both call
// shapes demand strict JSON and repeatable selection behaviour.
func (p *HTTPProvider) Complete(ctx context.Context, req *Request) (string, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: 0,
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", &HTTPStatusError{
			StatusCode: resp.StatusCode(),
			Body:       RedactRaw(string(resp.Body())),
		}
	}
	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode provider envelope: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
