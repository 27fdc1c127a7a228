package state

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

const (
	defaultStoreKeyPrefix = "atod:session:"
	maxResponseSizeBytes  = 2 << 20
)

// commitScript bumps the version counter and writes the new checkpoint in one
// Redis transaction, refusing when the counter moved since base was read.
const commitScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
  return -1
end
local nextVersion = cur + 1
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[1], nextVersion)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return nextVersion
`

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists checkpoints in Upstash Redis via REST. Each
// version lives under its own key; a counter key points at the latest.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
	now        func() time.Time
}

var _ Store = (*UpstashRedisStore)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	TTL     time.Duration `envconfig:"TTL" split_words:"true" default:"0s"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashRedisStore{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       cfg.TTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	version, err := s.latestVersion(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrStateNotFound
	}
	return s.LoadVersion(ctx, sessionID, version)
}

func (s *UpstashRedisStore) LoadVersion(ctx context.Context, sessionID string, version int64) (*Checkpoint, error) {
	key, err := s.checkpointKey(sessionID, version)
	if err != nil {
		return nil, err
	}
	if version <= 0 {
		return nil, ErrStateNotFound
	}

	resp, err := s.exec(ctx, []any{"GET", key})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrStateNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode checkpoint payload: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(encoded), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if err := cp.State.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint loaded from store: %w", err)
	}
	return &cp, nil
}

func (s *UpstashRedisStore) Commit(ctx context.Context, sessionID string, base int64, st *ConversationState) (int64, error) {
	var prev *ConversationState
	if base > 0 {
		cp, err := s.LoadVersion(ctx, sessionID, base)
		if err != nil {
			if errors.Is(err, ErrStateNotFound) {
				return 0, ErrVersionConflict
			}
			return 0, err
		}
		prev = cp.State
	}
	if err := validateCommit(sessionID, base, prev, st); err != nil {
		return 0, err
	}

	versionKey, err := s.versionKey(sessionID)
	if err != nil {
		return 0, err
	}
	nextKey, err := s.checkpointKey(sessionID, base+1)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(&Checkpoint{
		SessionID: sessionID,
		Version:   base + 1,
		State:     st,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	resp, err := s.exec(ctx, []any{
		"EVAL", commitScript, 2, versionKey, nextKey,
		strconv.FormatInt(base, 10), string(payload), strconv.FormatInt(ttlSeconds(s.ttl), 10),
	})
	if err != nil {
		return 0, err
	}

	var committed int64
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &committed); err != nil {
		return 0, fmt.Errorf("decode commit result: %w", err)
	}
	if committed < 0 {
		return 0, ErrVersionConflict
	}
	return committed, nil
}

func (s *UpstashRedisStore) Close() error {
	return nil
}

func (s *UpstashRedisStore) latestVersion(ctx context.Context, sessionID string) (int64, error) {
	key, err := s.versionKey(sessionID)
	if err != nil {
		return 0, err
	}
	resp, err := s.exec(ctx, []any{"GET", key})
	if err != nil {
		return 0, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return 0, nil
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, fmt.Errorf("decode version payload: %w", err)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", raw, err)
	}
	return version, nil
}

func (s *UpstashRedisStore) versionKey(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrInvalidSession
	}
	return s.prefix() + sessionID + ":version", nil
}

func (s *UpstashRedisStore) checkpointKey(sessionID string, version int64) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrInvalidSession
	}
	return s.prefix() + sessionID + ":cp:" + strconv.FormatInt(version, 10), nil
}

func (s *UpstashRedisStore) prefix() string {
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		return defaultStoreKeyPrefix
	}
	return prefix
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}
	if strings.TrimSpace(s.baseURL) == "" {
		return nil, errors.New("empty redis url")
	}
	if strings.TrimSpace(s.token) == "" {
		return nil, errors.New("empty redis token")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
