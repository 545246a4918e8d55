// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// Default port negotiation parameters.
const (
	DefaultPreferredPort  = 18888
	DefaultPortRangeStart = 18000
	DefaultPortRangeEnd   = 65535
	DefaultHost           = "127.0.0.1"
)

// ListenFunc binds a listener. net.Listen in production.
type ListenFunc func(network, address string) (net.Listener, error)

// PortPicker finds a free local TCP port for the engine to listen on.
//
// Description:
//
//	Tries Preferred first, then scans [RangeStart, RangeEnd] in order. A
//	port counts as free if it can be bound on Host; the probe listener is
//	closed before the port is returned so the engine can bind it.
type PortPicker struct {
	// Host is the interface probed. Default: 127.0.0.1
	Host string

	// Preferred is tried first. Zero skips it.
	Preferred int

	// RangeStart and RangeEnd bound the fallback scan, inclusive.
	RangeStart int
	RangeEnd   int

	// Listen overrides net.Listen. Used by tests.
	Listen ListenFunc
}

// DefaultPortPicker returns the picker used by editor sessions.
func DefaultPortPicker() PortPicker {
	return PortPicker{
		Host:       DefaultHost,
		Preferred:  DefaultPreferredPort,
		RangeStart: DefaultPortRangeStart,
		RangeEnd:   DefaultPortRangeEnd,
	}
}

// Pick returns a port that could be bound.
//
// Outputs:
//
//	int - A port that was free at the time of the probe.
//	error - ErrPortExhausted when nothing binds, or ctx.Err().
func (pp PortPicker) Pick(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, fmt.Errorf("ctx must not be nil")
	}
	host := pp.Host
	if host == "" {
		host = DefaultHost
	}
	listen := pp.Listen
	if listen == nil {
		listen = net.Listen
	}

	if pp.Preferred > 0 && pp.tryPort(listen, host, pp.Preferred) {
		return pp.Preferred, nil
	}

	start, end := pp.RangeStart, pp.RangeEnd
	if start < 1 {
		start = 1
	}
	if end > 65535 {
		end = 65535
	}

	for port := start; port <= end; port++ {
		if port == pp.Preferred {
			continue
		}
		if (port-start)%256 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if pp.tryPort(listen, host, port) {
			if pp.Preferred > 0 {
				slog.Info("Preferred engine port busy, using fallback",
					slog.Int("preferred", pp.Preferred),
					slog.Int("port", port),
				)
			}
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: preferred %d and range %d-%d all in use", ErrPortExhausted, pp.Preferred, pp.RangeStart, pp.RangeEnd)
}

func (pp PortPicker) tryPort(listen ListenFunc, host string, port int) bool {
	l, err := listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
