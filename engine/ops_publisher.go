package engine

import (
	"context"
	"fmt"

	"bottleline/kafka"
)

// Publisher kinds.
const (
	KindMQTT   = "mqtt"
	KindValkey = "valkey"
	KindKafka  = "kafka"
)

// Publishers lists every configured publisher.
func (e *Engine) Publishers() []PublisherInfo {
	var out []PublisherInfo
	for _, p := range e.mqttMgr.List() {
		out = append(out, PublisherInfo{Kind: KindMQTT, Name: p.Name(), Address: p.Address(), Running: p.IsRunning()})
	}
	for _, p := range e.valkeyMgr.List() {
		out = append(out, PublisherInfo{Kind: KindValkey, Name: p.Name(), Address: p.Address(), Running: p.IsRunning()})
	}
	for _, p := range e.kafkaMgr.List() {
		info := PublisherInfo{Kind: KindKafka, Name: p.Name(), Running: p.GetStatus() == kafka.StatusConnected}
		info.Sent, info.Failed, _ = p.GetStats()
		if len(p.Config().Brokers) > 0 {
			info.Address = p.Config().Brokers[0]
		}
		if err := p.GetError(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	return out
}

// StartPublisher starts (or connects) one publisher.
func (e *Engine) StartPublisher(ctx context.Context, kind, name string) error {
	switch kind {
	case KindMQTT:
		pub := e.mqttMgr.Get(name)
		if pub == nil {
			return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
		}
		if err := pub.Start(); err != nil {
			return err
		}
		e.forcePublishAllValuesToMQTT()
	case KindValkey:
		pub := e.valkeyMgr.Get(name)
		if pub == nil {
			return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
		}
		if err := pub.Start(); err != nil {
			return err
		}
	case KindKafka:
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		if err := e.kafkaMgr.Connect(ctx, name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown publisher kind '%s'", ErrInvalidInput, kind)
	}

	e.emit(EventPublisherStarted, ServiceEvent{Kind: kind, Name: name})
	return nil
}

// StopPublisher stops (or disconnects) one publisher.
func (e *Engine) StopPublisher(kind, name string) error {
	switch kind {
	case KindMQTT:
		pub := e.mqttMgr.Get(name)
		if pub == nil {
			return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
		}
		pub.Stop()
	case KindValkey:
		pub := e.valkeyMgr.Get(name)
		if pub == nil {
			return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
		}
		if err := pub.Stop(); err != nil {
			return err
		}
	case KindKafka:
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		p.Disconnect()
	default:
		return fmt.Errorf("%w: unknown publisher kind '%s'", ErrInvalidInput, kind)
	}

	e.emit(EventPublisherStopped, ServiceEvent{Kind: kind, Name: name})
	return nil
}
