// Package netutil picks a listen address for the controller API.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// candidate could be bound.
var ErrNoBindAddr = errors.New("no available controller bind addresses")

// Listen binds the preferred address, falling back through candidates when
// autoFallback is set and the preferred address is in use. The returned
// listener is already bound, so the caller serves on it directly.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	tried := map[string]bool{}
	if preferred != "" {
		tried[preferred] = true
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback || !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w", preferred, err)
		}
		slog.Warn("preferred bind address in use, trying fallbacks", "addr", preferred)
	}

	for _, addr := range candidates {
		if tried[addr] {
			continue
		}
		tried[addr] = true
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		slog.Debug("bind candidate unavailable", "addr", addr, "error", err)
	}
	return nil, ErrNoBindAddr
}
