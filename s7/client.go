package s7

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"bottleline/logging"
)

// Client is a high-level wrapper for S7 PLC communication.
// All requests are serialized; gos7 handlers are not safe for concurrent use.
type Client struct {
	handler *gos7.TCPClientHandler
	client  gos7.Client
	address string
	rack    int
	slot    int
	mu      sync.Mutex
	closed  bool
}

// options holds configuration options for Dial.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
	logger  *log.Logger
}

// Option is a functional option for Dial.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// S7-1200/1500 CPUs normally sit at rack 0, slot 1; S7-300/400 at slot 2.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the TCP and request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger routes gos7 transport logging to l.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Dial connects to an S7 PLC and completes the COTP/S7 setup handshake.
// gos7 has no context support, so the blocking connect runs in its own
// goroutine; if ctx ends first the half-open handler is closed when the
// connect returns.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	cfg := &options{
		rack:    0,
		slot:    1,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = 0
	if cfg.logger != nil {
		handler.Logger = cfg.logger
	}

	done := make(chan error, 1)
	go func() {
		done <- handler.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			handler.Close()
			return nil, fmt.Errorf("connect %s: %w", address, err)
		}
	case <-ctx.Done():
		go func() {
			<-done
			handler.Close()
		}()
		return nil, ctx.Err()
	}

	return &Client{
		handler: handler,
		client:  gos7.NewClient(handler),
		address: address,
		rack:    cfg.rack,
		slot:    cfg.slot,
	}, nil
}

// Close releases the TCP connection. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.handler.Close()
}

// ConnectionMode returns a human-readable string describing the connection.
func (c *Client) ConnectionMode() string {
	return fmt.Sprintf("S7 %s (Rack %d, Slot %d)", c.address, c.rack, c.slot)
}

// TagRequest represents an address to read with an optional type hint.
type TagRequest struct {
	Address  string // S7 address (e.g., "DB1.0" or "DB1.DBW0")
	TypeHint string // Optional type name (e.g., "INT")
}

// ReadTag reads a single address. Per-tag failures are reported in the
// returned TagValue; the error return is reserved for a closed client.
func (c *Client) ReadTag(req TagRequest) (*TagValue, error) {
	addr, err := ParseAddress(req.Address)
	if err == nil {
		err = addr.ApplyTypeHint(req.TypeHint)
	}
	if err != nil {
		return &TagValue{Name: req.Address, BitNum: -1, Error: err}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("read %s: client closed", req.Address)
	}

	data, err := c.readAddress(addr)
	if err != nil {
		return &TagValue{Name: req.Address, DataType: addr.DataType, BitNum: addr.BitNum, Error: err}, nil
	}
	return &TagValue{
		Name:     req.Address,
		DataType: addr.DataType,
		Bytes:    data,
		BitNum:   addr.BitNum,
	}, nil
}

// readAddress reads raw bytes from an S7 address. Caller holds c.mu.
func (c *Client) readAddress(addr *Address) ([]byte, error) {
	buf := make([]byte, addr.Size)

	var err error
	switch addr.Area {
	case AreaDB:
		err = c.client.AGReadDB(addr.DBNumber, addr.Offset, addr.Size, buf)
	case AreaI:
		err = c.client.AGReadEB(addr.Offset, addr.Size, buf)
	case AreaQ:
		err = c.client.AGReadAB(addr.Offset, addr.Size, buf)
	case AreaM:
		err = c.client.AGReadMB(addr.Offset, addr.Size, buf)
	case AreaT:
		err = c.client.AGReadTM(addr.Offset, addr.Size, buf)
	case AreaC:
		err = c.client.AGReadCT(addr.Offset, addr.Size, buf)
	default:
		return nil, fmt.Errorf("unsupported area: %v", addr.Area)
	}
	if err != nil {
		return nil, err
	}
	logging.DebugRX("s7", buf)
	return buf, nil
}

// Write encodes value for the address type and writes it.
// Single bits are written with a read-modify-write of the containing byte.
func (c *Client) Write(address, typeHint string, value interface{}) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return fmt.Errorf("write %s: %w", address, err)
	}
	if err := addr.ApplyTypeHint(typeHint); err != nil {
		return fmt.Errorf("write %s: %w", address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write %s: client closed", address)
	}

	if addr.DataType == TypeBool && addr.BitNum >= 0 {
		return c.writeBit(addr, value)
	}

	data, err := Encode(addr, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", address, err)
	}
	return c.writeAddress(addr, data)
}

func (c *Client) writeBit(addr *Address, value interface{}) error {
	on, err := toBool(value)
	if err != nil {
		return err
	}
	byteAddr := *addr
	byteAddr.Size = 1
	current, err := c.readAddress(&byteAddr)
	if err != nil {
		return fmt.Errorf("read for bit write: %w", err)
	}
	if on {
		current[0] |= 1 << addr.BitNum
	} else {
		current[0] &^= 1 << addr.BitNum
	}
	return c.writeAddress(&byteAddr, current)
}

// writeAddress writes raw bytes to an S7 address. Caller holds c.mu.
func (c *Client) writeAddress(addr *Address, data []byte) error {
	logging.DebugTX("s7", data)
	switch addr.Area {
	case AreaDB:
		return c.client.AGWriteDB(addr.DBNumber, addr.Offset, len(data), data)
	case AreaI:
		return c.client.AGWriteEB(addr.Offset, len(data), data)
	case AreaQ:
		return c.client.AGWriteAB(addr.Offset, len(data), data)
	case AreaM:
		return c.client.AGWriteMB(addr.Offset, len(data), data)
	case AreaT:
		return c.client.AGWriteTM(addr.Offset, len(data), data)
	case AreaC:
		return c.client.AGWriteCT(addr.Offset, len(data), data)
	default:
		return fmt.Errorf("unsupported area: %v", addr.Area)
	}
}

// Keepalive performs a one-byte marker read to prove the link is alive.
func (c *Client) Keepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("keepalive: client closed")
	}
	buf := make([]byte, 1)
	return c.client.AGReadMB(0, 1, buf)
}

// CPUInfo contains information about the S7 CPU.
type CPUInfo struct {
	ModuleTypeName string
	SerialNumber   string
	ASName         string
	Copyright      string
	ModuleName     string
}

// CPUInfo returns identification data of the connected CPU.
func (c *Client) CPUInfo() (*CPUInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("cpu info: client closed")
	}

	info, err := c.client.GetCPUInfo()
	if err != nil {
		return nil, err
	}
	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}
