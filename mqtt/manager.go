package mqtt

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"bottleline/config"
	"bottleline/logging"
	"bottleline/plcman"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	writeHandler   WriteHandler
	writeValidator WriteValidator
	log            zerolog.Logger
}

// NewManager creates a new MQTT manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
		log:        log,
	}
}

// Add adds a publisher and applies the current write callbacks to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if validator != nil {
		pub.SetWriteValidator(validator)
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers ordered by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		logging.DebugLog("mqtt", "Auto-starting MQTT publisher: %s", pub.Name())
		if err := pub.Start(); err != nil {
			m.log.Warn().Err(err).Str("broker", pub.Name()).Msg("mqtt publisher failed to start")
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

// PublishStatus publishes the connection status to all running publishers.
func (m *Manager) PublishStatus(st plcman.Status, address string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishStatus(st, address, false)
		}
	}
}

// Publish publishes a tag value to all running publishers.
func (m *Manager) Publish(tagName, address, typeName string, value interface{}, force bool) {
	m.mu.RLock()
	validator := m.writeValidator
	m.mu.RUnlock()

	writable := validator != nil && validator(tagName)

	running := 0
	for _, pub := range m.List() {
		if pub.IsRunning() {
			running++
			pub.Publish(tagName, address, typeName, value, writable, force)
		}
	}
	if running == 0 {
		logging.DebugLog("mqtt", "Manager.Publish: no publishers running")
	}
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace, m.log))
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteValidator(validator)
	}
}
