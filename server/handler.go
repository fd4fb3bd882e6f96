// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"context"
	"errors"

	"github.com/lijinling/modbus-pdu-server/modbus"
)

// ReceiveFunc blocks until a request PDU is available, or ctx is
// cancelled. It is supplied by the transport.
type ReceiveFunc func(ctx context.Context) (unit byte, pdu modbus.ProtocolDataUnit, err error)

// SendFunc transmits a response PDU. It is supplied by the transport.
type SendFunc func(unit byte, pdu modbus.ProtocolDataUnit) error

// Handler drives the Idle -> Receiving -> Ready -> Processing -> Idle
// cycle for one connection. In asynchronous mode it owns a background
// receive loop; disposal cancels that loop and waits for it to exit.
type Handler struct {
	dispatcher *Dispatcher
	receive    ReceiveFunc
	send       SendFunc

	done chan struct{}
}

// NewHandler builds a Handler around a Dispatcher and a transport's
// receive/send functions.
func NewHandler(d *Dispatcher, receive ReceiveFunc, send SendFunc) *Handler {
	return &Handler{dispatcher: d, receive: receive, send: send}
}

// Run executes the receive-dispatch-respond cycle once per iteration
// until ctx is cancelled or receive returns a non-cancellation error.
// Call it from a goroutine for asynchronous operation, or call
// HandleOnce directly for synchronous, caller-driven operation.
func (h *Handler) Run(ctx context.Context) error {
	h.done = make(chan struct{})
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := h.HandleOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// HandleOnce receives exactly one request and dispatches it. It is the
// synchronous entry point: transports that already run their own
// per-connection accept/read loop call this directly instead of Run.
func (h *Handler) HandleOnce(ctx context.Context) error {
	unit, req, err := h.receive(ctx)
	if err != nil {
		return err
	}
	resp := h.dispatcher.Dispatch(unit, req)
	return h.send(unit, resp)
}

// Wait blocks until a background Run has observed ctx cancellation and
// returned. Safe to call only after Run has been started in a
// goroutine.
func (h *Handler) Wait() {
	if h.done != nil {
		<-h.done
	}
}
