package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	URL               string        `split_words:"true" default:"https://qstash.upstash.io"`
	Token             string        `split_words:"true" required:"true"`
	CurrentSigningKey string        `split_words:"true" required:"true"`
	NextSigningKey    string        `split_words:"true" required:"true"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
	Retries           int           `split_words:"true" default:"3"`
}

type Client struct {
	baseURL    string
	token      string
	retries    int
	httpClient *http.Client
}

var ErrPublish = errors.New("qstash publish failed")

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		retries: cfg.Retries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Publish hands a JSON body to QStash for delivery to destination and
// returns the message id.
func (c *Client) Publish(ctx context.Context, destination string, body any) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", fmt.Errorf("%w: destination is required", ErrPublish)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: marshal body: %v", ErrPublish, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+destination, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrPublish, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if c.retries >= 0 {
		req.Header.Set("Upstash-Retries", strconv.Itoa(c.retries))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrPublish, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status=%d body=%s", ErrPublish, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrPublish, err)
	}
	return out.MessageID, nil
}
