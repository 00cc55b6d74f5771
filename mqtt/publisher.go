// Package mqtt publishes the PLC connection status and watched tag values
// to MQTT brokers and accepts tag write requests.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"bottleline/config"
	"bottleline/logging"
	"bottleline/plcman"
)

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// WriteTimeout bounds one PLC write issued from a write request.
const WriteTimeout = 5 * time.Second

var errQueueFull = errors.New("write queue full, try again later")

// brokerClient is the part of the paho client used after connecting.
type brokerClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// writeJob represents a pending write operation. A job with err set only
// reports the error.
type writeJob struct {
	client brokerClient
	tag    string
	value  interface{}
	err    error
}

// StatusMessage is the JSON published to <root>/status.
type StatusMessage struct {
	Topic     string `json:"topic"`
	Address   string `json:"address"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Since     string `json:"since"`
	Timestamp string `json:"timestamp"`
}

// TagMessage is the JSON published to <root>/tags/<name>.
type TagMessage struct {
	Topic     string      `json:"topic"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON expected on <root>/write.
type WriteRequest struct {
	Topic string      `json:"topic,omitempty"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON published to <root>/write/response.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler writes a value to a watched tag by name.
type WriteHandler func(ctx context.Context, tagName string, value interface{}) error

// WriteValidator reports whether a watched tag exists and is writable.
type WriteValidator func(tagName string) bool

// Publisher handles one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	rootTopic string
	log       zerolog.Logger

	client  brokerClient
	running bool
	mu      sync.RWMutex

	// Track last published payloads to detect changes
	lastValues map[string]string
	lastMu     sync.Mutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	writeQueue chan writeJob
	workers    *tomb.Tomb
}

// RootTopic returns namespace, or namespace/selector when a selector is set.
func RootTopic(namespace, selector string) string {
	if selector == "" {
		return namespace
	}
	return namespace + "/" + selector
}

// NewPublisher creates a publisher for one broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string, log zerolog.Logger) *Publisher {
	return &Publisher{
		config:     cfg,
		rootTopic:  RootTopic(namespace, cfg.Selector),
		log:        logging.Component(log, "mqtt").With().Str("broker", cfg.Name).Logger(),
		lastValues: make(map[string]string),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Topic returns the root topic.
func (p *Publisher) Topic() string {
	return p.rootTopic
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the broker, starts the write workers and subscribes to
// the write topic.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Subscriptions are lost on reconnect with a clean session.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if p.IsRunning() {
			p.subscribeWriteTopic(c)
		}
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugLog("mqtt", "MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		logging.DebugLog("mqtt", "MQTT connection error: %v", err)
		return err
	}

	if !p.activate(client) {
		client.Disconnect(100)
		return nil
	}
	p.subscribeWriteTopic(client)
	p.log.Info().Str("address", p.Address()).Str("topic", p.rootTopic).Msg("mqtt publisher started")
	return nil
}

// activate installs a connected client and starts the write workers.
// It reports false when the publisher was already running.
func (p *Publisher) activate(client brokerClient) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.client = client
	p.running = true
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.workers = new(tomb.Tomb)

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	queue, t := p.writeQueue, p.workers
	for i := 0; i < MaxWriteWorkers; i++ {
		t.Go(func() error {
			p.writeWorker(t, queue)
			return nil
		})
	}
	return true
}

// writeWorker processes write jobs until the tomb dies.
func (p *Publisher) writeWorker(t *tomb.Tomb, queue <-chan writeJob) {
	for {
		select {
		case <-t.Dying():
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				err = p.runWrite(t, job)
			}
			p.publishWriteResponse(job.client, job.tag, job.value, err)
		}
	}
}

func (p *Publisher) runWrite(t *tomb.Tomb, job writeJob) error {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no write handler configured")
	}

	ctx, cancel := context.WithTimeout(t.Context(context.Background()), WriteTimeout)
	defer cancel()

	logging.DebugLog("mqtt", "Executing write: %s = %v", job.tag, job.value)
	if err := handler(ctx, job.tag, job.value); err != nil {
		logging.DebugLog("mqtt", "Write error: %v", err)
		return err
	}
	logging.DebugLog("mqtt", "Write successful")
	return nil
}

// Stop stops the workers and disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	workers := p.workers
	p.client = nil
	p.workers = nil
	p.mu.Unlock()

	workers.Kill(nil)
	select {
	case <-workers.Dead():
	case <-time.After(2 * time.Second):
		p.log.Warn().Msg("timeout waiting for write workers to stop")
	}

	if client != nil {
		client.Disconnect(500)
	}
	p.log.Info().Msg("mqtt publisher stopped")
}

// publishRetained publishes a retained QoS 1 message.
func (p *Publisher) publishRetained(topic string, payload []byte) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if err := token.Error(); err != nil {
		logging.DebugLog("mqtt", "Publish to %s failed: %v", topic, err)
		return false
	}
	return true
}

// StatusTopic returns <root>/status.
func (p *Publisher) StatusTopic() string {
	return p.rootTopic + "/status"
}

// TagTopic returns <root>/tags/<name>.
func (p *Publisher) TagTopic(tagName string) string {
	return fmt.Sprintf("%s/tags/%s", p.rootTopic, tagName)
}

// PublishStatus publishes the connection status if state, error or session
// changed since the last publish.
func (p *Publisher) PublishStatus(st plcman.Status, address string, force bool) bool {
	msg := StatusMessage{
		Topic:     p.rootTopic,
		Address:   address,
		State:     st.State.String(),
		Error:     st.ErrString(),
		SessionID: st.SessionID,
		Since:     st.Since.UTC().Format(time.RFC3339),
	}
	key, _ := json.Marshal(msg)
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return p.publishChanged("status", p.StatusTopic(), key, payload, force)
}

// Publish sends a tag value if it changed since the last publish.
func (p *Publisher) Publish(tagName, address, typeName string, value interface{}, writable, force bool) bool {
	msg := TagMessage{
		Topic:    p.rootTopic,
		Tag:      tagName,
		Address:  address,
		Value:    value,
		Type:     typeName,
		Writable: writable,
	}
	key, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return p.publishChanged("tags/"+tagName, p.TagTopic(tagName), key, payload, force)
}

// publishChanged compares on the timestamp-free form of the message so an
// unchanged value is not republished every second.
func (p *Publisher) publishChanged(cacheKey, topic string, compare, payload []byte, force bool) bool {
	p.lastMu.Lock()
	last, exists := p.lastValues[cacheKey]
	p.lastMu.Unlock()
	if exists && !force && last == string(compare) {
		return false
	}
	if !p.publishRetained(topic, payload) {
		return false
	}
	p.lastMu.Lock()
	p.lastValues[cacheKey] = string(compare)
	p.lastMu.Unlock()
	return true
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

func (p *Publisher) subscribeWriteTopic(client pahomqtt.Client) {
	topic := p.rootTopic + "/write"
	logging.DebugLog("mqtt", "Subscribing to write topic: %s", topic)
	token := client.Subscribe(topic, 1, func(c pahomqtt.Client, msg pahomqtt.Message) {
		p.handleWrite(c, msg.Payload())
	})
	if !token.WaitTimeout(2 * time.Second) {
		p.log.Warn().Str("topic", topic).Msg("subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
	}
}

// handleWrite validates a write request and queues it for the workers.
func (p *Publisher) handleWrite(client brokerClient, payload []byte) {
	logging.DebugLog("mqtt", "Received write request: %s", string(payload))

	p.mu.RLock()
	validator := p.writeValidator
	queue := p.writeQueue
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	// Numbers stay json.Number so 64-bit integers survive.
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		p.enqueue(queue, writeJob{client: client, err: fmt.Errorf("invalid JSON: %v", err)})
		return
	}

	job := writeJob{client: client, tag: req.Tag, value: req.Value}
	switch {
	case req.Topic != "" && req.Topic != p.rootTopic:
		job.err = fmt.Errorf("topic mismatch: expected %s, got %s", p.rootTopic, req.Topic)
	case req.Tag == "":
		job.err = fmt.Errorf("tag is required")
	case validator != nil && !validator(req.Tag):
		job.err = fmt.Errorf("tag not writable: %s", req.Tag)
	}
	p.enqueue(queue, job)
}

// enqueue hands a job to the workers. A full queue is answered directly.
func (p *Publisher) enqueue(queue chan writeJob, job writeJob) {
	select {
	case queue <- job:
	default:
		p.log.Warn().Str("tag", job.tag).Msg("write queue full, rejecting write")
		if job.err == nil {
			go p.publishWriteResponse(job.client, job.tag, job.value, errQueueFull)
		}
	}
}

// publishWriteResponse publishes a write result to <root>/write/response.
func (p *Publisher) publishWriteResponse(client brokerClient, tagName string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     p.rootTopic,
		Tag:       tagName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	token := client.Publish(p.rootTopic+"/write/response", 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
