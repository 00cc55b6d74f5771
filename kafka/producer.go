package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"bottleline/logging"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to one cluster, one writer per topic.
type Producer struct {
	config  *Config
	writers map[string]messageWriter // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	newWriter func(topic string) messageWriter

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(config *Config) *Producer {
	p := &Producer{
		config:  config,
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.newWriter = p.kafkaWriter
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the cluster configuration.
func (p *Producer) Config() *Config {
	return p.config
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that a broker is reachable. Writers are created lazily.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	name := p.config.Name
	if len(p.config.Brokers) == 0 {
		return p.setError(fmt.Errorf("no brokers configured"))
	}
	logging.DebugLog("kafka", "CONNECT %s: connecting to brokers %v", name, p.config.Brokers)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := p.createDialer()
	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()

		p.mu.Lock()
		p.status = StatusConnected
		p.mu.Unlock()
		logging.DebugLog("kafka", "CONNECT %s: connected via %s", name, broker)
		return nil
	}
	logging.DebugLog("kafka", "CONNECT %s: FAILED - %v", name, lastErr)
	return p.setError(fmt.Errorf("failed to connect: %w", lastErr))
}

func (p *Producer) setError(err error) error {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logging.DebugLog("kafka", "DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))
	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: WriteMessages('%s') took %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	return nil
}

// getWriter returns or creates the writer for topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := p.newWriter(topic)
	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, p.config.AutoCreateTopics)
	return writer, nil
}

// kafkaWriter builds a synchronous batching writer. The broker creates
// missing topics when AllowAutoTopicCreation is set.
func (p *Producer) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: p.createTransport(),

		RequiredAcks:    kafka.RequiredAcks(p.config.RequiredAcks),
		Async:           false,
		MaxAttempts:     p.config.MaxRetries,
		WriteBackoffMin: p.config.RetryBackoff,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       p.config.GetTLSConfig(),
	}
	if mechanism := p.getSASLMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         p.config.GetTLSConfig(),
	}
	if mechanism := p.getSASLMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

// getSASLMechanism returns the configured SASL mechanism.
func (p *Producer) getSASLMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}

	switch p.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: p.config.Username,
			Password: p.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return mechanism
	default:
		return nil
	}
}
