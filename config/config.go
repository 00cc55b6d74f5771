// Package config handles configuration persistence for bottleline.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"bottleline/s7"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string          `yaml:"namespace"` // instance namespace for topic/key isolation
	PLC       PLCConfig       `yaml:"plc"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Camera    CameraConfig    `yaml:"camera"`
	Tags      []TagConfig     `yaml:"tags"`
	Recipes   []RecipeConfig  `yaml:"recipes"`
	Web       WebConfig       `yaml:"web"`
	MQTT      []MQTTConfig    `yaml:"mqtt"`
	Valkey    []ValkeyConfig  `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig   `yaml:"kafka,omitempty"`
	Log       LogConfig       `yaml:"log"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes the line PLC.
type PLCConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"` // host or host:port
	Rack              int           `yaml:"rack"`
	Slot              int           `yaml:"slot"`
	PollRate          time.Duration `yaml:"poll_rate"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval,omitempty"`
}

// Reconnect policies.
const (
	PolicyStep        = "step"
	PolicyExponential = "exponential"
)

// ReconnectConfig tunes connecting and the automatic reconnect.
type ReconnectConfig struct {
	AutoStart      bool          `yaml:"auto_start"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Policy         string        `yaml:"policy"`                 // step (default) or exponential
	MaxInterval    time.Duration `yaml:"max_interval,omitempty"` // exponential only
}

// CameraConfig holds the inspection camera address shown by the API.
type CameraConfig struct {
	Address string `yaml:"address"`
}

// Tag observation modes.
const (
	ModeChange   = "change"
	ModePeriodic = "periodic"
)

// TagConfig is a watched tag republished to the API and the publishers.
type TagConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Type     string `yaml:"type,omitempty"` // S7 type name, empty to derive from the address
	Mode     string `yaml:"mode,omitempty"` // change (default) or periodic
	Writable bool   `yaml:"writable,omitempty"`
}

// RecipeConfig is one entry of the recipe catalogue.
type RecipeConfig struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	BottleCount int    `yaml:"bottle_count"`
	PLCAddress  string `yaml:"plc_address"`
}

// WebConfig holds the HTTP API server configuration.
type WebConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Users   []WebUser `yaml:"users,omitempty"` // basic auth; empty disables auth
}

// WebUser is an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`           // Redis DB number (default 0)
	Selector        string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // TTL for keys (0 = no expiry)
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Enable write-back queue
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// AutoCreateTopics is a pointer so that "not set" keeps the default.
type KafkaConfig struct {
	Name             string        `yaml:"name"`
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	UseTLS           bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty"`
	PublishChanges   bool          `yaml:"publish_changes,omitempty"`
	Selector         string        `yaml:"selector,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty"`
}

// LogConfig configures the application log.
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// Defaults for a new installation.
const (
	DefaultNamespace     = "bottleline"
	DefaultPLCAddress    = "192.168.2.1"
	DefaultCameraAddress = "192.168.2.101"
	DefaultPollRate      = 250 * time.Millisecond
)

// MaxRecipeNameLength is the longest accepted recipe name.
const MaxRecipeNameLength = 30

// MaxBottleCount is the largest bottle count an INT can hold.
const MaxBottleCount = 32767

// DefaultRecipes returns the five factory recipes at DB1.INT2 through DB1.INT10.
func DefaultRecipes() []RecipeConfig {
	recipes := make([]RecipeConfig, 0, 5)
	for i := 1; i <= 5; i++ {
		recipes = append(recipes, RecipeConfig{
			ID:         i,
			Name:       fmt.Sprintf("Recipe %d", i),
			PLCAddress: fmt.Sprintf("DB1.INT%d", i*2),
		})
	}
	return recipes
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: DefaultNamespace,
		PLC: PLCConfig{
			Name:              "line",
			Address:           DefaultPLCAddress,
			Rack:              0,
			Slot:              1,
			PollRate:          DefaultPollRate,
			KeepaliveInterval: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			AutoStart:      true,
			ConnectTimeout: 5 * time.Second,
			InitialDelay:   3 * time.Second,
			RetryDelay:     5 * time.Second,
			Policy:         PolicyStep,
			MaxInterval:    30 * time.Second,
		},
		Camera: CameraConfig{Address: DefaultCameraAddress},
		Tags: []TagConfig{
			{Name: "bottles", Address: "DB1.DBW0", Type: "INT", Mode: ModeChange},
		},
		Recipes: DefaultRecipes(),
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
		Log:    LogConfig{Level: "info"},
	}
}

// DefaultMQTTConfig returns an MQTT config pointing at a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "bottleline-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey config pointing at a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka config for a local single broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:           name,
		Brokers:        []string{"localhost:9092"},
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		PublishChanges: true,
	}
}

// DefaultPath returns the default configuration file path (~/.bottleline/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".bottleline", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back on a best-effort basis.
func Load(path string) (*Config, error) {
	cfg, existed, err := read(path)
	if err != nil {
		return nil, err
	}
	if !existed {
		cfg.Save(path) // Best-effort save
	}
	return cfg, nil
}

// read parses path over the defaults and reports whether the file existed.
func read(path string) (*Config, bool, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, err
		}
		return cfg, false, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, true, nil
}

// applyDefaults fills zero values a hand-edited file may leave behind.
func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.PLC.PollRate <= 0 {
		c.PLC.PollRate = DefaultPollRate
	}
	if c.Reconnect.Policy == "" {
		c.Reconnect.Policy = PolicyStep
	}
	for i := range c.Tags {
		if c.Tags[i].Mode == "" {
			c.Tags[i].Mode = ModeChange
		}
	}
	for i := range c.MQTT {
		m, def := &c.MQTT[i], DefaultMQTTConfig(c.MQTT[i].Name)
		if m.Broker == "" {
			m.Broker = def.Broker
		}
		if m.Port == 0 {
			m.Port = def.Port
		}
		if m.ClientID == "" {
			m.ClientID = def.ClientID
		}
	}
	for i := range c.Valkey {
		if c.Valkey[i].Address == "" {
			c.Valkey[i].Address = DefaultValkeyConfig(c.Valkey[i].Name).Address
		}
	}
	for i := range c.Kafka {
		k, def := &c.Kafka[i], DefaultKafkaConfig(c.Kafka[i].Name)
		if len(k.Brokers) == 0 {
			k.Brokers = def.Brokers
		}
		if k.MaxRetries == 0 {
			k.MaxRetries = def.MaxRetries
		}
		if k.RetryBackoff == 0 {
			k.RetryBackoff = def.RetryBackoff
		}
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals and writes.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock and writes.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Write through a temp file so a concurrent FileStore read never sees
	// a half-written document.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	return nil
}

// FindRecipe returns the recipe with the given ID, or nil if not found.
func (c *Config) FindRecipe(id int) *RecipeConfig {
	for i := range c.Recipes {
		if c.Recipes[i].ID == id {
			return &c.Recipes[i]
		}
	}
	return nil
}

// NextRecipeID returns one more than the highest recipe ID in use.
func (c *Config) NextRecipeID() int {
	next := 1
	for _, r := range c.Recipes {
		if r.ID >= next {
			next = r.ID + 1
		}
	}
	return next
}

// AddRecipe adds a recipe.
func (c *Config) AddRecipe(recipe RecipeConfig) {
	c.Recipes = append(c.Recipes, recipe)
}

// RemoveRecipe removes a recipe by ID.
func (c *Config) RemoveRecipe(id int) bool {
	for i, r := range c.Recipes {
		if r.ID == id {
			c.Recipes = append(c.Recipes[:i], c.Recipes[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateRecipe updates an existing recipe.
func (c *Config) UpdateRecipe(id int, updated RecipeConfig) bool {
	for i, r := range c.Recipes {
		if r.ID == id {
			c.Recipes[i] = updated
			return true
		}
	}
	return false
}

// FindWebUser returns the API user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new API user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots"))
	}
	if strings.TrimSpace(c.PLC.Address) == "" {
		errs = append(errs, errors.New("plc.address is required"))
	}
	if c.PLC.Rack < 0 || c.PLC.Rack > 7 {
		errs = append(errs, fmt.Errorf("plc.rack %d out of range 0-7", c.PLC.Rack))
	}
	if c.PLC.Slot < 0 || c.PLC.Slot > 31 {
		errs = append(errs, fmt.Errorf("plc.slot %d out of range 0-31", c.PLC.Slot))
	}
	switch c.Reconnect.Policy {
	case "", PolicyStep, PolicyExponential:
	default:
		errs = append(errs, fmt.Errorf("reconnect.policy %q: want %s or %s", c.Reconnect.Policy, PolicyStep, PolicyExponential))
	}

	seen := make(map[string]bool)
	for _, t := range c.Tags {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tag %q: name is required", t.Address))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tag %q: duplicate name", t.Name))
		}
		seen[t.Name] = true
		if err := s7.ValidateAddress(t.Address); err != nil {
			errs = append(errs, fmt.Errorf("tag %q: %w", t.Name, err))
		}
		if t.Type != "" {
			if _, ok := s7.TypeCodeFromName(t.Type); !ok {
				errs = append(errs, fmt.Errorf("tag %q: unknown type %q (want one of %s)",
					t.Name, t.Type, strings.Join(s7.SupportedTypeNames(), ", ")))
			}
		}
		switch t.Mode {
		case "", ModeChange, ModePeriodic:
		default:
			errs = append(errs, fmt.Errorf("tag %q: unknown mode %q", t.Name, t.Mode))
		}
	}

	ids := make(map[int]bool)
	for _, r := range c.Recipes {
		if ids[r.ID] {
			errs = append(errs, fmt.Errorf("recipe %d: duplicate id", r.ID))
		}
		ids[r.ID] = true
		if err := ValidateRecipe(r); err != nil {
			errs = append(errs, fmt.Errorf("recipe %d: %w", r.ID, err))
		}
	}

	return errors.Join(errs...)
}

// ValidateRecipe checks a single recipe.
func ValidateRecipe(r RecipeConfig) error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return errors.New("name is required")
	}
	if len([]rune(name)) > MaxRecipeNameLength {
		return fmt.Errorf("name longer than %d characters", MaxRecipeNameLength)
	}
	if r.BottleCount < 0 || r.BottleCount > MaxBottleCount {
		return fmt.Errorf("bottle count %d out of range 0-%d", r.BottleCount, MaxBottleCount)
	}
	if err := s7.ValidateAddress(r.PLCAddress); err != nil {
		return fmt.Errorf("plc address: %w", err)
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
