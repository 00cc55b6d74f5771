package valkey

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"bottleline/config"
	"bottleline/logging"
	"bottleline/plcman"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	namespace  string
	log        zerolog.Logger
	mu         sync.RWMutex

	// Shared callbacks
	writeHandler      func(ctx context.Context, tagName string, value interface{}) error
	writeValidator    func(tagName string) bool
	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager(namespace string, log zerolog.Logger) *Manager {
	return &Manager{namespace: namespace, log: log}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add adds a new publisher with the shared callbacks.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace, m.log)
	pub.SetWriteHandler(m.writeHandler)
	pub.SetWriteValidator(m.writeValidator)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers in configuration order.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			m.log.Warn().Err(err).Str("server", pub.Name()).Msg("valkey publisher failed to start")
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish publishes a tag value to all running publishers.
func (m *Manager) Publish(tagName, address, typeName string, value interface{}, writable bool) {
	running := 0
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		running++
		if err := pub.Publish(tagName, address, typeName, value, writable); err != nil {
			logging.DebugLog("valkey", "Valkey publish error (%s): %v", pub.Name(), err)
		}
	}
	if running == 0 {
		logging.DebugLog("valkey", "Manager.Publish: no publishers running")
	}
}

// PublishStatus publishes the connection status to all running publishers.
func (m *Manager) PublishStatus(st plcman.Status, address string) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishStatus(st, address); err != nil {
			logging.DebugLog("valkey", "Valkey status publish error (%s): %v", pub.Name(), err)
		}
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler func(ctx context.Context, tagName string, value interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator func(tagName string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeValidator = validator
	for _, pub := range m.publishers {
		pub.SetWriteValidator(validator)
	}
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
