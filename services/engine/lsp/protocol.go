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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// maxContentLength bounds a single message body.
const maxContentLength = 64 << 20

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC response to one of our requests.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError represents a JSON-RPC error.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification represents a JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// envelope is the union of every inbound message shape. ID stays raw
// because engine-initiated requests may use string IDs.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

// reply answers an engine-initiated request.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// NotificationHandler receives engine notifications. It runs on the read
// loop goroutine and must not block for long.
type NotificationHandler func(method string, params json.RawMessage)

// DropHandler is told about inbound messages that were discarded.
type DropHandler func(reason string, err error)

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication with the engine.
//
// Description:
//
//	Implements the LSP base protocol using Content-Length headers over any
//	byte stream (a TCP connection for the engine session). Correlates
//	responses with pending requests and dispatches notifications.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple goroutines can send requests
//	and notifications simultaneously.
type Protocol struct {
	reader    *bufio.Reader
	writer    io.Writer
	writeMu   sync.Mutex
	nextID    int64
	pending   map[int64]chan Response
	pendingMu sync.Mutex
	closed    int32 // atomic: 1 if closed

	onNotify NotificationHandler
	onDrop   DropHandler
}

// NewProtocol creates a new protocol handler.
//
// Inputs:
//
//	r - Reader for engine messages.
//	w - Writer for client messages.
//
// Outputs:
//
//	*Protocol - The protocol handler
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Protocol{
		reader:  reader,
		writer:  w,
		pending: make(map[int64]chan Response),
	}
}

// OnNotification installs the notification handler. Call before ReadLoop.
func (p *Protocol) OnNotification(h NotificationHandler) {
	p.onNotify = h
}

// OnDrop installs the handler for discarded messages. Call before ReadLoop.
func (p *Protocol) OnDrop(h DropHandler) {
	p.onDrop = h
}

// SendRequest sends a request and waits for the response.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	*Response - The engine's response
//	error - ErrNotConnected if closed, ErrRequestTimeout, a write error, or
//	        *LSPError when the engine answered with an error.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrNotConnected
	}

	id := atomic.AddInt64(&p.nextID, 1)
	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}

	respCh := make(chan Response, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			if resp.Error.Code == codeConnClosed {
				return nil, ErrNotConnected
			}
			return nil, &LSPError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return &resp, nil
	}
}

// SendNotification sends a notification (no response expected).
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendNotification(method string, params interface{}) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrNotConnected
	}
	return p.writeMessage(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// writeMessage marshals and writes a message with Content-Length header.
func (p *Protocol) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := p.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadLoop reads messages from the engine and dispatches them.
//
// Description:
//
//	Responses are matched to pending requests, notifications go to the
//	notification handler, and engine-initiated requests are answered with
//	MethodNotFound. A body that is not valid JSON is dropped and reading
//	continues. Framing errors end the loop because the stream cannot be
//	resynchronized.
//
// Outputs:
//
//	error - nil after Close, ctx.Err() on cancellation,
//	        ErrConnectionClosed on EOF, or a wrapped read error.
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == 1 {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("%w: read: %v", ErrConnectionClosed, err)
		}

		p.handleMessage(msg)
	}
}

// readMessage reads a single framed message. Header names are matched
// case-insensitively.
func (p *Protocol) readMessage() (json.RawMessage, error) {
	contentLength := -1

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", value, err)
			}
			if n < 0 || n > maxContentLength {
				return nil, fmt.Errorf("Content-Length %d out of range", n)
			}
			contentLength = n
		}
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// handleMessage dispatches a received message.
func (p *Protocol) handleMessage(msg json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		p.drop("invalid_json", err)
		return
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))

	switch {
	case env.Method != "" && hasID:
		p.rejectRequest(env)

	case env.Method != "":
		if p.onNotify != nil {
			p.onNotify(env.Method, env.Params)
		}

	case hasID:
		id, err := strconv.ParseInt(string(env.ID), 10, 64)
		if err != nil {
			p.drop("unknown_response_id", err)
			return
		}
		// Sent under the lock so Close cannot close ch mid-send.
		p.pendingMu.Lock()
		if ch, ok := p.pending[id]; ok {
			select {
			case ch <- Response{JSONRPC: JSONRPCVersion, ID: id, Result: env.Result, Error: env.Error}:
			default:
			}
		}
		p.pendingMu.Unlock()

	default:
		p.drop("unroutable", fmt.Errorf("message has neither method nor id"))
	}
}

// rejectRequest answers an engine-initiated request we do not implement.
func (p *Protocol) rejectRequest(env envelope) {
	err := p.writeMessage(reply{
		JSONRPC: JSONRPCVersion,
		ID:      env.ID,
		Error:   &ResponseError{Code: codeMethodNotFound, Message: "method not supported: " + env.Method},
	})
	if err != nil {
		slog.Debug("Failed to reject engine request",
			slog.String("method", env.Method),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Protocol) drop(reason string, err error) {
	if p.onDrop != nil {
		p.onDrop(reason, err)
	}
}

// Close marks the protocol as closed.
//
// Description:
//
//	Prevents further sends and fails all pending requests. Does not close
//	the underlying connection.
//
// Thread Safety:
//
//	Safe for concurrent use. Idempotent.
func (p *Protocol) Close() {
	atomic.StoreInt32(&p.closed, 1)

	p.pendingMu.Lock()
	for id, ch := range p.pending {
		select {
		case ch <- Response{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   &ResponseError{Code: codeConnClosed, Message: "engine connection closed"},
		}:
		default:
		}
		close(ch)
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
}

// Closed reports whether Close has been called.
func (p *Protocol) Closed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}
