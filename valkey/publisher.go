// Package valkey mirrors the PLC connection status and watched tag values
// into Valkey/Redis keys and serves a write-back queue.
package valkey

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bottleline/config"
	"bottleline/logging"
	"bottleline/plcman"
)

// WriteTimeout bounds one PLC write taken from the write-back queue.
const WriteTimeout = 5 * time.Second

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// store is the subset of the go-redis client the publisher uses.
type store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// StatusMessage is stored at <root>:status.
type StatusMessage struct {
	Namespace string    `json:"namespace"`
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Online    bool      `json:"online"`
	Error     string    `json:"error,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Timestamp time.Time `json:"timestamp"`
}

// TagMessage is stored at <root>:tags:<name>.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is popped from <root>:writes.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published on <root>:write:responses.
type WriteResponse struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher handles publishing to one Valkey server.
type Publisher struct {
	config *config.ValkeyConfig
	root   string
	log    zerolog.Logger

	client  store
	running bool
	mu      sync.RWMutex

	writeHandler      func(ctx context.Context, tagName string, value interface{}) error
	writeValidator    func(tagName string) bool
	onConnectCallback func()

	// Write-back processing
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string, log zerolog.Logger) *Publisher {
	return &Publisher{
		config:   cfg,
		root:     joinKey(namespace, cfg.Selector),
		log:      logging.Component(log, "valkey").With().Str("server", cfg.Name).Logger(),
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugLog("valkey", "Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	if !p.activate(client) {
		client.Close()
		return nil
	}
	p.log.Info().Str("address", p.Address()).Str("root", p.root).Msg("valkey publisher started")
	return nil
}

// activate installs a connected client and starts the write-back listener.
func (p *Publisher) activate(client store) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	// Publish initial values
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return true
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener's BLPOP times out after 1s.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
		p.log.Warn().Msg("timeout waiting for write-back listener")
	}

	p.log.Info().Msg("valkey publisher stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// StatusKey returns <root>:status.
func (p *Publisher) StatusKey() string {
	return joinKey(p.root, "status")
}

// TagKey returns <root>:tags:<name>. Tag names may contain colons since
// the tag is always the last segment.
func (p *Publisher) TagKey(tagName string) string {
	return joinKey(p.root, "tags") + ":" + tagName
}

func (p *Publisher) live() (store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client, p.running && p.client != nil
}

// set stores data at key with the configured TTL and optionally publishes it.
func (p *Publisher) set(client store, key, channel string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	if p.config.PublishChanges {
		if err := client.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish on %s: %w", channel, err)
		}
	}
	return nil
}

// PublishStatus stores the connection status.
func (p *Publisher) PublishStatus(st plcman.Status, address string) error {
	client, ok := p.live()
	if !ok {
		return nil
	}

	data, err := json.Marshal(StatusMessage{
		Namespace: p.root,
		Address:   address,
		State:     st.State.String(),
		Online:    st.Connected(),
		Error:     st.ErrString(),
		SessionID: st.SessionID,
		Since:     st.Since.UTC(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	key := p.StatusKey()
	return p.set(client, key, key, data)
}

// Publish stores a tag value.
func (p *Publisher) Publish(tagName, address, typeName string, value interface{}, writable bool) error {
	client, ok := p.live()
	if !ok {
		return nil
	}

	data, err := json.Marshal(TagMessage{
		Namespace: p.root,
		Tag:       tagName,
		Address:   address,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}
	return p.set(client, p.TagKey(tagName), joinKey(p.root, "changes"), data)
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler func(ctx context.Context, tagName string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator func(tagName string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests from <root>:writes until stop closes.
func (p *Publisher) writebackListener(client store, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := joinKey(p.root, "writes")
	responseChannel := joinKey(p.root, "write", "responses")

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logging.DebugLog("valkey", "Valkey write queue error: %v", err)
				// Back off so a dead server does not spin the loop.
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		p.processWriteRequest(client, []byte(result[1]), responseChannel)
	}
}

// processWriteRequest handles a single write request and publishes the result.
func (p *Publisher) processWriteRequest(client store, payload []byte, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	decodeErr := dec.Decode(&req)

	response := WriteResponse{
		Namespace: p.root,
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case decodeErr != nil:
		response.Error = fmt.Sprintf("invalid JSON: %v", decodeErr)
	case req.Tag == "":
		response.Error = "tag is required"
	case validator != nil && !validator(req.Tag):
		response.Error = "tag is not writable"
	case handler == nil:
		response.Error = "no write handler configured"
	default:
		ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
		err := handler(ctx, req.Tag, req.Value)
		cancel()
		if err != nil {
			response.Error = err.Error()
		} else {
			response.Success = true
		}
	}

	data, _ := json.Marshal(response)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Publish(ctx, responseChannel, data).Err(); err != nil {
		logging.DebugLog("valkey", "Failed to publish write response: %v", err)
	}

	logging.DebugLog("valkey", "Valkey write %s = %v -> success=%v", req.Tag, req.Value, response.Success)
}
