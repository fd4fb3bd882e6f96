// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package localslave wires a concrete model.DataModel, persistence and
// the transport-agnostic request handler in server into a single
// in-process Modbus slave.
package localslave

import (
	"context"
	"sync"

	"github.com/lijinling/modbus-pdu-server/internal/local-slave/model"
	"github.com/lijinling/modbus-pdu-server/internal/local-slave/persistence"
	"github.com/lijinling/modbus-pdu-server/modbus"
	"github.com/lijinling/modbus-pdu-server/server"
)

// LocalSlave processes requests against a DataModel, notifying a
// Storage backend of every write. A single LocalSlave is commonly
// routed to by several upstream connections at once (the Gateway runs
// each upstream's connections on their own goroutine), so its
// Dispatcher runs asynchronous: the coarse lock covers dispatch and
// change-event delivery together, keeping contiguous-range collapsing
// in notify free of interleaving from concurrent writers.
type LocalSlave struct {
	model      *model.DataModel
	storage    persistence.Storage
	dispatcher *server.Dispatcher
}

// NewLocalSlave creates a LocalSlave over m, persisting writes through
// storage. A nil storage disables the OnWrite hook.
func NewLocalSlave(m *model.DataModel, storage persistence.Storage) *LocalSlave {
	s := &LocalSlave{model: m, storage: storage}
	s.dispatcher = server.NewDispatcher(server.Options{
		Store:               m,
		EnableRaisingEvents: storage != nil,
		OnCoilsChanged:      s.onCoilsChanged,
		OnRegistersChanged:  s.onRegistersChanged,
		Asynchronous:        true,
		Lock:                &sync.Mutex{},
	})
	return s
}

// Process dispatches a single request PDU for the given unit. It
// drives the Dispatcher through a one-shot server.Handler rather than
// calling Dispatch directly: LocalSlave has no connection of its own
// to loop over, so HandleOnce's synchronous, caller-driven exchange
// (receive the one pending request, dispatch it, hand back the
// response) is the natural fit.
func (s *LocalSlave) Process(ctx context.Context, unit byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	var resp modbus.ProtocolDataUnit
	h := server.NewHandler(s.dispatcher,
		func(ctx context.Context) (byte, modbus.ProtocolDataUnit, error) {
			return unit, req, nil
		},
		func(_ byte, pdu modbus.ProtocolDataUnit) error {
			resp = pdu
			return nil
		},
	)
	if err := h.HandleOnce(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	return resp, nil
}

func (s *LocalSlave) onCoilsChanged(_ byte, addresses []uint16) {
	s.notify(model.TableCoils, addresses)
}

func (s *LocalSlave) onRegistersChanged(_ byte, addresses []uint16) {
	s.notify(model.TableHoldingRegisters, addresses)
}

// notify collapses a change-address list into contiguous OnWrite
// ranges; in practice every write request addresses a single
// contiguous window, so one call suffices unless a future processor
// produces a sparse change set.
func (s *LocalSlave) notify(table model.TableType, addresses []uint16) {
	if s.storage == nil || len(addresses) == 0 {
		return
	}
	start := addresses[0]
	prev := addresses[0]
	flush := func(end uint16) {
		s.storage.OnWrite(table, start, end-start+1)
	}
	for _, addr := range addresses[1:] {
		if addr == prev+1 {
			prev = addr
			continue
		}
		flush(prev)
		start, prev = addr, addr
	}
	flush(prev)
}
