package config

import (
	"context"

	"bottleline/driver"
)

// FileStore reads the PLC connection settings from the YAML file on every
// call, so an edited file takes effect on the next connect attempt without
// a restart. A missing file yields the defaults.
type FileStore struct {
	Path string
}

// NewFileStore returns a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// ConnectionConfig implements plcman.ConfigSource.
func (s *FileStore) ConnectionConfig(ctx context.Context) (driver.ConnectionConfig, error) {
	if err := ctx.Err(); err != nil {
		return driver.ConnectionConfig{}, err
	}
	cfg, _, err := read(s.Path)
	if err != nil {
		return driver.ConnectionConfig{}, err
	}
	return cfg.ConnectionConfig(), nil
}

// ConnectionConfig returns the driver view of the PLC section.
func (c *Config) ConnectionConfig() driver.ConnectionConfig {
	return driver.ConnectionConfig{
		Address: c.PLC.Address,
		Rack:    c.PLC.Rack,
		Slot:    c.PLC.Slot,
	}
}
