// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package model is the concrete, in-memory implementation of
// server.RegisterStore backing a local Modbus slave. Holding and input
// registers are kept as raw big-endian (wire order) bytes rather than
// []uint16 in host order: bulk reads become direct slice copies with
// no per-word byte swap, and the same backing bytes are portable
// across persistence backends regardless of host architecture
// endianness.
package model

import (
	"fmt"
	"sync"
)

// DefaultTableSize is the size used when a table size is not
// configured: the full 16-bit address space.
const DefaultTableSize = 65536

// TableType identifies one of the four Modbus data tables.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

// DataModel holds the four Modbus data tables for one unit and
// satisfies server.RegisterStore. It is safe for concurrent use: every
// accessor takes its own lock, independent of whatever coarse lock the
// dispatcher layer applies in asynchronous mode.
type DataModel struct {
	mu sync.RWMutex

	// Coils and DiscreteInputs store one element per byte (0 or 1)
	// rather than packed bits, trading memory for simple addressing;
	// ReadCoils/ReadDiscreteInputs pack on the way out.
	Coils          []byte
	DiscreteInputs []byte
	// HoldingRegisters and InputRegisters store two wire-order bytes
	// per element.
	HoldingRegisters []byte
	InputRegisters   []byte
}

// NewDataModel allocates a model with DefaultTableSize elements in
// every table.
func NewDataModel() *DataModel {
	return NewDataModelSized(DefaultTableSize, DefaultTableSize, DefaultTableSize, DefaultTableSize)
}

// NewDataModelSized allocates a model with the given per-table element
// counts, as configured for a particular local slave.
func NewDataModelSized(coils, discreteInputs, holdingRegisters, inputRegisters int) *DataModel {
	return &DataModel{
		Coils:            make([]byte, coils),
		DiscreteInputs:   make([]byte, discreteInputs),
		HoldingRegisters: make([]byte, holdingRegisters*2),
		InputRegisters:   make([]byte, inputRegisters*2),
	}
}

func (m *DataModel) MaxCoilAddress() uint16            { return uint16(len(m.Coils)) }
func (m *DataModel) MaxDiscreteInputAddress() uint16   { return uint16(len(m.DiscreteInputs)) }
func (m *DataModel) MaxHoldingRegisterAddress() uint16 { return uint16(len(m.HoldingRegisters) / 2) }
func (m *DataModel) MaxInputRegisterAddress() uint16   { return uint16(len(m.InputRegisters) / 2) }

// ReadCoils packs [address, address+quantity) into Modbus bit order.
func (m *DataModel) ReadCoils(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return packBits(m.Coils, address, quantity)
}

// WriteSingleCoil sets one coil to ON (0xFF00) or OFF (0x0000) and
// reports whether the stored value changed.
func (m *DataModel) WriteSingleCoil(address uint16, value uint16) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(address) >= len(m.Coils) {
		return false, fmt.Errorf("model: coil address %d out of range", address)
	}
	v := byte(0)
	if value == 0xFF00 {
		v = 1
	}
	changed := m.Coils[address] != v
	m.Coils[address] = v
	return changed, nil
}

// ReadDiscreteInputs packs [address, address+quantity) into Modbus bit
// order.
func (m *DataModel) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return packBits(m.DiscreteInputs, address, quantity)
}

// ReadHoldingRegisters returns a copy of the wire-order bytes for
// [address, address+quantity).
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sliceRegisters(m.HoldingRegisters, address, quantity)
}

// WriteSingleRegister sets one holding register and reports whether
// the stored value changed.
func (m *DataModel) WriteSingleRegister(address uint16, value uint16) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int(address) * 2
	if off+2 > len(m.HoldingRegisters) {
		return false, fmt.Errorf("model: register address %d out of range", address)
	}
	hi, lo := byte(value>>8), byte(value)
	changed := m.HoldingRegisters[off] != hi || m.HoldingRegisters[off+1] != lo
	m.HoldingRegisters[off], m.HoldingRegisters[off+1] = hi, lo
	return changed, nil
}

// WriteMultipleRegisters copies wireBytes into [address,
// address+quantity) and reports the addresses whose value changed.
func (m *DataModel) WriteMultipleRegisters(address, quantity uint16, wireBytes []byte) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int(address) * 2
	if off+int(quantity)*2 > len(m.HoldingRegisters) {
		return nil, fmt.Errorf("model: register range out of bounds")
	}
	var changed []uint16
	for i := uint16(0); i < quantity; i++ {
		o := off + int(i)*2
		if m.HoldingRegisters[o] != wireBytes[i*2] || m.HoldingRegisters[o+1] != wireBytes[i*2+1] {
			changed = append(changed, address+i)
		}
		m.HoldingRegisters[o], m.HoldingRegisters[o+1] = wireBytes[i*2], wireBytes[i*2+1]
	}
	return changed, nil
}

// ReadInputRegisters returns a copy of the wire-order bytes for
// [address, address+quantity).
func (m *DataModel) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sliceRegisters(m.InputRegisters, address, quantity)
}

func packBits(src []byte, address, quantity uint16) ([]byte, error) {
	if int(address)+int(quantity) > len(src) {
		return nil, fmt.Errorf("model: bit range out of bounds")
	}
	out := make([]byte, (int(quantity)+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if src[address+i] != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func sliceRegisters(src []byte, address, quantity uint16) ([]byte, error) {
	off := int(address) * 2
	if off+int(quantity)*2 > len(src) {
		return nil, fmt.Errorf("model: register range out of bounds")
	}
	out := make([]byte, int(quantity)*2)
	copy(out, src[off:off+int(quantity)*2])
	return out, nil
}
