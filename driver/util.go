package driver

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// connectionKeywords match transport failures that only surface as text,
// including the ones gos7 formats itself.
var connectionKeywords = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"connection timed out",
	"eof",
	"forcibly closed",
	"socket closed",
	"not connected",
	"client closed",
}

// IsLikelyConnectionError reports whether err means the session is gone
// rather than a single request being rejected by the PLC.
func IsLikelyConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range connectionKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
