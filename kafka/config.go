// Package kafka produces PLC connection status and tag change events to
// Kafka clusters.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"bottleline/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds the runtime settings for one Kafka cluster.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool

	PublishChanges bool
	Selector       string
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1, // All replicas must acknowledge
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
		PublishChanges:   true,
	}
}

// FromConfig converts the persisted cluster settings. An unset
// AutoCreateTopics means true.
func FromConfig(kc *config.KafkaConfig) *Config {
	autoCreate := true
	if kc.AutoCreateTopics != nil {
		autoCreate = *kc.AutoCreateTopics
	}
	return &Config{
		Name:             kc.Name,
		Enabled:          kc.Enabled,
		Brokers:          append([]string(nil), kc.Brokers...),
		UseTLS:           kc.UseTLS,
		TLSSkipVerify:    kc.TLSSkipVerify,
		SASLMechanism:    SASLMechanism(strings.ToUpper(kc.SASLMechanism)),
		Username:         kc.Username,
		Password:         kc.Password,
		RequiredAcks:     kc.RequiredAcks,
		MaxRetries:       kc.MaxRetries,
		RetryBackoff:     kc.RetryBackoff,
		AutoCreateTopics: autoCreate,
		PublishChanges:   kc.PublishChanges,
		Selector:         kc.Selector,
	}
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// TopicRoot returns namespace, or namespace.selector when a selector is set.
func TopicRoot(namespace, selector string) string {
	if selector == "" {
		return namespace
	}
	return namespace + "." + selector
}
