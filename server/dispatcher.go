// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"sync"

	"github.com/lijinling/modbus-pdu-server/modbus"
)

// Per-function quantity ceilings from the Modbus Application Protocol.
const (
	maxQuantityBitRead      = 0x07D0 // 2000
	maxQuantityRegisterRead = 0x007D // 125
	maxQuantityWriteRegs    = 0x007B // 123
)

// Options configures a Dispatcher.
type Options struct {
	Store RegisterStore

	// Validator is consulted before bounds checking on every request.
	// Nil means every request is permitted.
	Validator Validator

	// OnCoilsChanged and OnRegistersChanged fire after a successful
	// write, once per request, with the addresses whose value actually
	// changed. They are only consulted when EnableRaisingEvents is set.
	OnCoilsChanged     ChangeFunc
	OnRegistersChanged ChangeFunc
	EnableRaisingEvents bool

	// Asynchronous selects the concurrency discipline. When true, all
	// Dispatchers constructed with the same Lock share a single coarse
	// lock held across an entire Dispatch call, including change-event
	// delivery. When false (the default), the caller is responsible
	// for serializing access and no lock is taken.
	Asynchronous bool
	Lock         *sync.Mutex
}

// Dispatcher decodes a request PDU, routes it to the processor for its
// function code, and produces a response or exception PDU. A
// Dispatcher is safe for concurrent use by multiple goroutines only
// when constructed with Asynchronous and a shared Lock.
type Dispatcher struct {
	store     RegisterStore
	validator Validator

	onCoilsChanged     ChangeFunc
	onRegistersChanged ChangeFunc
	raiseEvents        bool

	async bool
	lock  *sync.Mutex

	respPool sync.Pool
}

// NewDispatcher builds a Dispatcher over the given options.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:              opts.Store,
		validator:          opts.Validator,
		onCoilsChanged:     opts.OnCoilsChanged,
		onRegistersChanged: opts.OnRegistersChanged,
		raiseEvents:        opts.EnableRaisingEvents,
		async:              opts.Asynchronous,
		lock:               opts.Lock,
	}
	if d.async && d.lock == nil {
		d.lock = &sync.Mutex{}
	}
	d.respPool.New = func() any { return NewFrameBuffer(MaxPDUSize) }
	return d
}

// Dispatch processes a single request PDU for the given unit and
// returns the response PDU. It never panics out to the caller: any
// fault raised by a processor is converted to a ServerDeviceFailure
// exception for the original function code.
func (d *Dispatcher) Dispatch(unit byte, req modbus.ProtocolDataUnit) (resp modbus.ProtocolDataUnit) {
	if d.async {
		d.lock.Lock()
		defer d.lock.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			resp = modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
		}
	}()

	fb := d.respPool.Get().(*FrameBuffer)
	fb.Reset()
	defer d.respPool.Put(fb)

	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return d.readBits(unit, req, fb, d.store.ReadCoils, d.store.MaxCoilAddress())
	case modbus.FuncCodeReadDiscreteInputs:
		return d.readBits(unit, req, fb, d.store.ReadDiscreteInputs, d.store.MaxDiscreteInputAddress())
	case modbus.FuncCodeReadHoldingRegisters:
		return d.readRegisters(unit, req, fb, d.store.ReadHoldingRegisters, d.store.MaxHoldingRegisterAddress())
	case modbus.FuncCodeReadInputRegisters:
		return d.readRegisters(unit, req, fb, d.store.ReadInputRegisters, d.store.MaxInputRegisterAddress())
	case modbus.FuncCodeWriteSingleCoil:
		return d.writeSingleCoil(unit, req, fb)
	case modbus.FuncCodeWriteSingleRegister:
		return d.writeSingleRegister(unit, req, fb)
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.writeMultipleRegisters(unit, req, fb)
	case modbus.FuncCodeReadWriteMultipleRegisters:
		return d.readWriteMultipleRegisters(unit, req, fb)
	default:
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

// checkBounds runs the validator hook (if any) then the address/quantity
// envelope check shared by every function code. It returns the
// exception code to use (ExceptionCodeOK if the request is admissible).
func (d *Dispatcher) checkBounds(unit, fc byte, address, maxAddress, quantity, maxQuantity uint16) byte {
	if d.validator != nil {
		if code := d.validator(unit, fc, address, quantity); code != ExceptionCodeOK {
			return code
		}
	}
	if int(address)+int(quantity) > int(maxAddress) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	if quantity == 0 || quantity > maxQuantity {
		return modbus.ExceptionCodeIllegalDataValue
	}
	return ExceptionCodeOK
}

func pduCopy(fb *FrameBuffer, fc byte) modbus.ProtocolDataUnit {
	out := make([]byte, fb.WriterLen())
	copy(out, fb.Frame())
	return modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
}
