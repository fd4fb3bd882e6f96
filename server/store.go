// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server implements the transport-agnostic Modbus request
// handler: PDU dispatch, the function-code state machine, register
// window bounds checking and change-event emission. It operates on an
// already-framed modbus.ProtocolDataUnit plus a unit identifier; it
// never touches a socket or a serial port.
package server

// RegisterStore is the collaborator the Dispatcher mutates and reads
// from. Bit tables (coils, discrete inputs) are read and written as
// Modbus-packed bytes; register tables (holding, input) are read and
// written as big-endian wire-order bytes, two per element, so a
// processor can copy them straight onto the response without a
// per-word conversion.
//
// Write* methods report which element addresses actually changed
// value, so the Dispatcher can raise change events for exactly the
// observed deltas and no more.
type RegisterStore interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address uint16, value uint16) (changed bool, err error)

	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)

	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address uint16, value uint16) (changed bool, err error)
	WriteMultipleRegisters(address, quantity uint16, wireBytes []byte) (changedAddresses []uint16, err error)

	ReadInputRegisters(address, quantity uint16) ([]byte, error)

	// Max*Address returns the exclusive count of addressable elements
	// in the table: the valid range is the half-open interval
	// [0, Max).
	MaxCoilAddress() uint16
	MaxDiscreteInputAddress() uint16
	MaxHoldingRegisterAddress() uint16
	MaxInputRegisterAddress() uint16
}
