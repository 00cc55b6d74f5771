package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bottleline/logging"
	"bottleline/plcman"
)

// TagMessage is published to <root>.tags, keyed by tag name.
type TagMessage struct {
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// StatusMessage is published to <root>.status on every state transition.
type StatusMessage struct {
	Address   string `json:"address"`
	State     string `json:"state"`
	Online    bool   `json:"online"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Since     string `json:"since"`
	Timestamp string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string // empty for messages without change tracking
	value    string
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producer connections.
type Manager struct {
	producers  map[string]*Producer
	namespace  string
	log        zerolog.Logger
	mu         sync.RWMutex
	lastValues map[string]string // cluster/tag -> last published value JSON
	lastMu     sync.Mutex

	// Worker pool for bounded publish goroutines
	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager(namespace string, log zerolog.Logger) *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		namespace:    namespace,
		log:          logging.Component(log, "kafka"),
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// startWorkers starts the publish worker goroutines once.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.stopChan, m.publishQueue)
	}
}

// publishWorker processes publish jobs until stop closes.
func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := job.producer.Produce(ctx, job.topic, job.key, job.payload)
			cancel()
			if err != nil {
				logging.DebugLog("kafka", "Failed to publish to %s: %v", job.topic, err)
				continue
			}
			if job.cacheKey != "" {
				m.lastMu.Lock()
				m.lastValues[job.cacheKey] = job.value
				m.lastMu.Unlock()
			}
		}
	}
}

// AddCluster adds a Kafka cluster. A duplicate name is ignored.
func (m *Manager) AddCluster(cfg *Config) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, exists := m.producers[cfg.Name]; exists {
		return p
	}
	p := NewProducer(cfg)
	m.producers[cfg.Name] = p
	return p
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// List returns all producers ordered by name.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ConnectEnabled connects to all enabled clusters and starts the workers.
// Returns the number of clusters connected.
func (m *Manager) ConnectEnabled(ctx context.Context) int {
	m.startWorkers()

	var wg sync.WaitGroup
	var mu sync.Mutex
	connected := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			if err := p.Connect(ctx); err != nil {
				m.log.Warn().Err(err).Str("cluster", p.Name()).Msg("kafka connect failed")
				return
			}
			m.log.Info().Str("cluster", p.Name()).Strs("brokers", p.config.Brokers).Msg("kafka connected")
			mu.Lock()
			connected++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return connected
}

// Connect connects one cluster and starts the workers.
func (m *Manager) Connect(ctx context.Context, name string) error {
	p := m.GetProducer(name)
	if p == nil {
		return fmt.Errorf("kafka cluster '%s' not found", name)
	}
	m.startWorkers()
	if err := p.Connect(ctx); err != nil {
		return err
	}
	// The cluster may have missed changes while it was down.
	m.ClearLastValues()
	m.log.Info().Str("cluster", name).Strs("brokers", p.config.Brokers).Msg("kafka connected")
	return nil
}

// StopAll stops the workers and disconnects from all clusters.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			m.log.Warn().Msg("timeout waiting for publish workers to stop")
		}
	}

	for _, p := range m.List() {
		p.Disconnect()
	}
}

// publishing returns the producers that are connected with PublishChanges set.
func (m *Manager) publishing() []*Producer {
	var out []*Producer
	for _, p := range m.List() {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges {
			out = append(out, p)
		}
	}
	return out
}

// TagsTopic returns <root>.tags for p.
func (m *Manager) TagsTopic(p *Producer) string {
	return TopicRoot(m.namespace, p.config.Selector) + ".tags"
}

// StatusTopic returns <root>.status for p.
func (m *Manager) StatusTopic(p *Producer) string {
	return TopicRoot(m.namespace, p.config.Selector) + ".status"
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logging.DebugLog("kafka", "Publish queue full, dropping message for %s", job.topic)
	}
}

// Publish queues a tag value for every publishing cluster when it changed
// since the last successful publish, or when force is set.
func (m *Manager) Publish(tagName, address, typeName string, value interface{}, writable, force bool) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return
	}

	for _, p := range m.publishing() {
		cacheKey := fmt.Sprintf("%s/%s", p.Name(), tagName)

		m.lastMu.Lock()
		last, exists := m.lastValues[cacheKey]
		m.lastMu.Unlock()
		if exists && !force && last == string(valueJSON) {
			continue
		}

		payload, err := json.Marshal(TagMessage{
			Tag:       tagName,
			Address:   address,
			Value:     value,
			Type:      typeName,
			Writable:  writable,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    m.TagsTopic(p),
			key:      []byte(tagName),
			payload:  payload,
			cacheKey: cacheKey,
			value:    string(valueJSON),
		})
	}
}

// PublishStatus queues a connection status event for every publishing cluster.
func (m *Manager) PublishStatus(st plcman.Status, address string) {
	payload, err := json.Marshal(StatusMessage{
		Address:   address,
		State:     st.State.String(),
		Online:    st.Connected(),
		Error:     st.ErrString(),
		SessionID: st.SessionID,
		Since:     st.Since.UTC().Format(time.RFC3339),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	for _, p := range m.publishing() {
		m.enqueue(publishJob{
			producer: p,
			topic:    m.StatusTopic(p),
			key:      []byte(address),
			payload:  payload,
		})
	}
}

// ClearLastValues clears the change tracking cache, forcing republish of all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]string)
	m.lastMu.Unlock()
}
