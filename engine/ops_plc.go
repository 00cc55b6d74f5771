package engine

import (
	"context"
	"fmt"
	"strings"

	"bottleline/driver"
	"bottleline/s7"
)

// Status returns the current connection status.
func (e *Engine) Status() StatusEvent {
	return statusEvent(e.sup.CurrentStatus(), e.plcAddress())
}

// Connect makes one connection attempt and reports whether it succeeded.
func (e *Engine) Connect(ctx context.Context) bool {
	return e.sup.Connect(ctx)
}

// Disconnect stops auto-reconnect and closes the session.
func (e *Engine) Disconnect() {
	e.sup.Disconnect()
}

// StartAutoReconnect keeps the session up until StopAutoReconnect.
func (e *Engine) StartAutoReconnect() {
	e.sup.StartAutoReconnect()
}

// StopAutoReconnect stops retrying. The current session is kept.
func (e *Engine) StopAutoReconnect() {
	e.sup.StopAutoReconnect()
}

// AutoReconnectRunning reports whether auto-reconnect is active.
func (e *Engine) AutoReconnectRunning() bool {
	return e.sup.AutoReconnectRunning()
}

// ReadTag reads an arbitrary address once.
func (e *Engine) ReadTag(ctx context.Context, address, typeHint string) (*driver.TagValue, error) {
	if err := validateAddress(address, typeHint); err != nil {
		return nil, err
	}
	return e.sup.ReadTag(ctx, address, typeHint)
}

// WriteTag writes an arbitrary address once.
func (e *Engine) WriteTag(ctx context.Context, req WriteRequest) error {
	if err := validateAddress(req.Address, req.Type); err != nil {
		return err
	}
	if req.Value == nil {
		return fmt.Errorf("%w: value is required", ErrInvalidInput)
	}
	if err := e.sup.WriteTag(ctx, req.Address, req.Type, req.Value); err != nil {
		return err
	}
	e.emit(EventTagWritten, TagEvent{Address: req.Address, Type: req.Type, Value: req.Value})
	return nil
}

// validateAddress rejects addresses and type names the S7 driver cannot
// parse, so they fail as bad input instead of a PLC fault.
func validateAddress(address, typeHint string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	addr, err := s7.ParseAddress(address)
	if err == nil {
		err = addr.ApplyTypeHint(typeHint)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// CameraAddress returns the configured inspection camera address.
func (e *Engine) CameraAddress() string {
	e.cfg.Lock()
	defer e.cfg.Unlock()
	return e.cfg.Camera.Address
}
