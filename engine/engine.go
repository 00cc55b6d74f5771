// Package engine composes the PLC session supervisor, the recipe catalogue
// and the publishers, and fans status and tag events out to them.
package engine

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"bottleline/config"
	"bottleline/driver"
	"bottleline/kafka"
	"bottleline/logging"
	"bottleline/mqtt"
	"bottleline/plcman"
	"bottleline/recipe"
	"bottleline/valkey"
)

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	Logger     zerolog.Logger

	// Registry receives the supervisor metrics. Nil creates a private one.
	Registry *prometheus.Registry

	// Opener overrides the S7 driver.
	Opener driver.Opener
}

// Engine centralizes the business logic. The HTTP API and the command line
// are thin consumers.
type Engine struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger
	registry   *prometheus.Registry

	sup       *plcman.Supervisor
	recipes   *recipe.Service
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager

	Events *EventBus

	tagsMu sync.RWMutex
	tags   map[string]*TagSnapshot

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates the supervisor, the recipe catalogue and the publisher
// managers. Nothing connects until Start.
func New(c Config) *Engine {
	cfg := c.AppConfig
	log := logging.Component(c.Logger, "engine")

	registry := c.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	opener := c.Opener
	if opener == nil {
		opener = &driver.S7Opener{
			PollRate:          cfg.PLC.PollRate,
			KeepaliveInterval: cfg.PLC.KeepaliveInterval,
			Logger:            c.Logger,
		}
	}

	var source plcman.ConfigSource = config.NewFileStore(c.ConfigPath)
	if c.ConfigPath == "" {
		source = plcman.StaticConfig(cfg.ConnectionConfig())
	}

	sup := plcman.NewSupervisor(opener, source, plcman.Options{
		ConnectTimeout: cfg.Reconnect.ConnectTimeout,
		InitialDelay:   cfg.Reconnect.InitialDelay,
		RetryDelay:     cfg.Reconnect.RetryDelay,
		BackOff:        reconnectPolicy(cfg.Reconnect),
		Logger:         c.Logger,
		Registerer:     registry,
	})

	e := &Engine{
		cfg:        cfg,
		configPath: c.ConfigPath,
		log:        log,
		registry:   registry,
		sup:        sup,
		recipes:    recipe.NewService(cfg, c.ConfigPath, sup, c.Logger),
		mqttMgr:    mqtt.NewManager(c.Logger),
		valkeyMgr:  valkey.NewManager(cfg.Namespace, c.Logger),
		kafkaMgr:   kafka.NewManager(cfg.Namespace, c.Logger),
		Events:     NewEventBus(),
		tags:       make(map[string]*TagSnapshot),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey)
	for i := range cfg.Kafka {
		e.kafkaMgr.AddCluster(kafka.FromConfig(&cfg.Kafka[i]))
	}

	for _, t := range cfg.Tags {
		e.tags[t.Name] = newSnapshot(t)
	}
	return e
}

// Start wires the callbacks, starts the enabled publishers, and connects
// the PLC with auto-reconnect when configured.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	setupWriteHandlers(e)

	e.valkeyMgr.SetOnConnectCallback(func() {
		e.forcePublishAllValuesToValkey()
	})

	e.watchStatus()
	e.watchTags()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.log.Info().Int("brokers", started).Msg("mqtt publishers started")
			e.forcePublishAllValuesToMQTT()
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if started := e.valkeyMgr.StartAll(); started > 0 {
			e.log.Info().Int("servers", started).Msg("valkey publishers started")
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if connected := e.kafkaMgr.ConnectEnabled(e.ctx); connected > 0 {
			e.log.Info().Int("clusters", connected).Msg("kafka clusters connected")
		}
	}()

	if e.cfg.Reconnect.AutoStart {
		e.sup.StartAutoReconnect()
	}
}

// Stop shuts everything down. The engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.sup.Close()
	e.wg.Wait()

	e.mqttMgr.StopAll()
	e.valkeyMgr.StopAll()
	e.kafkaMgr.StopAll()
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) Config() *config.Config { return e.cfg }
func (e *Engine) ConfigPath() string { return e.configPath }
func (e *Engine) Supervisor() *plcman.Supervisor { return e.sup }
func (e *Engine) Registry() *prometheus.Registry { return e.registry }
func (e *Engine) MQTT() *mqtt.Manager { return e.mqttMgr }
func (e *Engine) Valkey() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) Kafka() *kafka.Manager { return e.kafkaMgr }

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
