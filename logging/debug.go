package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DebugLogger writes verbose protocol traces to a dedicated, size-rotated
// debug.log as JSON lines. Each entry carries a protocol field so one run
// can be filtered down to the S7 session or a single publisher.
type DebugLogger struct {
	mu      sync.Mutex
	file    io.WriteCloser
	log     zerolog.Logger
	closed  bool
	filters map[string]bool // empty = log all
}

var (
	globalDebugMu     sync.RWMutex
	globalDebugLogger *DebugLogger
)

var knownProtocols = []string{
	"s7",
	"plcman",
	"recipe",
	"engine",
	"mqtt",
	"kafka",
	"valkey",
	"api",
	"debug",
}

// KnownProtocols returns the protocol names accepted by SetFilter.
func KnownProtocols() []string {
	return append([]string(nil), knownProtocols...)
}

// NewDebugLogger opens the debug log at path. The previous run's file is
// rotated away so each run starts fresh.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 2,
	}
	if err := file.Rotate(); err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	l := &DebugLogger{
		file:    file,
		log:     zerolog.New(file).With().Timestamp().Logger(),
		filters: make(map[string]bool),
	}
	l.Log("debug", "debug logging started")
	return l, nil
}

// SetFilter restricts logging to a comma-separated list of protocols,
// matched case-insensitively. An empty filter logs everything. Selecting
// s7 also selects plcman, whose state changes explain the S7 traffic.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		if p == "s7" {
			l.filters["plcman"] = true
		}
	}

	if len(l.filters) > 0 && !l.closed {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		sort.Strings(list)
		l.log.Debug().Str("protocol", "debug").Strs("filter", list).Msg("filtering enabled")
	}
}

// entry returns a debug event for protocol, or nil when the protocol is
// filtered out or the logger is closed. Must be called with l.mu held.
func (l *DebugLogger) entry(protocol string) *zerolog.Event {
	if l.closed {
		return nil
	}
	p := strings.ToLower(protocol)
	if len(l.filters) > 0 && !l.filters[p] && p != "debug" {
		return nil
	}
	return l.log.Debug().Str("protocol", p)
}

// SetGlobalDebugLogger installs the logger used by the package-level Debug
// functions. nil disables them.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the installed debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message for protocol.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev := l.entry(protocol); ev != nil {
		ev.Msgf(format, args...)
	}
}

// LogTX logs a transmitted packet with hex dump.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	l.logPacket(protocol, "TX", data)
}

// LogRX logs a received packet with hex dump.
func (l *DebugLogger) LogRX(protocol string, data []byte) {
	l.logPacket(protocol, "RX", data)
}

func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev := l.entry(protocol); ev != nil {
		ev.Str("dir", direction).Int("len", len(data)).Str("hex", hexDump(data)).
			Msgf("%s (%d bytes)", direction, len(data))
	}
}

// Close writes a final entry and closes the file. Later calls are no-ops.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.log.Debug().Str("protocol", "debug").Msg("debug logging ended")
	l.closed = true
	return l.file.Close()
}

// hexDump formats data as offset, hex bytes and ASCII:
//
//	0000: 03 00 00 16 11 E0 00 00  00 01 00 C1 02 01 00 C2  ................
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		for _, b := range data[offset:end] {
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(protocol, format, args...)
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(protocol string, data []byte) {
	GetGlobalDebugLogger().LogTX(protocol, data)
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(protocol string, data []byte) {
	GetGlobalDebugLogger().LogRX(protocol, data)
}

func DebugConnect(protocol, address string) {
	DebugLog(protocol, "CONNECT to %s", address)
}

func DebugConnectSuccess(protocol, address, details string) {
	DebugLog(protocol, "CONNECTED to %s - %s", address, details)
}

func DebugConnectError(protocol, address string, err error) {
	DebugLog(protocol, "CONNECT FAILED to %s: %v", address, err)
}

func DebugDisconnect(protocol, address, reason string) {
	DebugLog(protocol, "DISCONNECT from %s: %s", address, reason)
}

func DebugError(protocol, context string, err error) {
	DebugLog(protocol, "ERROR in %s: %v", context, err)
}
