// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"github.com/lijinling/modbus-pdu-server/modbus"
)

type bitReadFunc func(address, quantity uint16) ([]byte, error)
type registerReadFunc func(address, quantity uint16) ([]byte, error)

// readBits implements Read Coils (0x01) and Read Discrete Inputs (0x02):
// [addr BE][qty BE] -> [byteCount][packed bits].
func (d *Dispatcher) readBits(unit byte, req modbus.ProtocolDataUnit, fb *FrameBuffer, read bitReadFunc, maxAddress uint16) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	fb.LoadRequest(req.Data)
	address, _ := fb.ReadU16()
	quantity, _ := fb.ReadU16()

	if code := d.checkBounds(unit, req.FunctionCode, address, maxAddress, quantity, maxQuantityBitRead); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}

	packed, err := read(address, quantity)
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	fb.SeekWriter(0)
	_ = fb.WriteU8(byte(len(packed)))
	_ = fb.WriteBytes(packed)
	return pduCopy(fb, req.FunctionCode)
}

// readRegisters implements Read Holding Registers (0x03) and Read Input
// Registers (0x04): [addr BE][qty BE] -> [byteCount][wire-order words].
func (d *Dispatcher) readRegisters(unit byte, req modbus.ProtocolDataUnit, fb *FrameBuffer, read registerReadFunc, maxAddress uint16) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	fb.LoadRequest(req.Data)
	address, _ := fb.ReadU16()
	quantity, _ := fb.ReadU16()

	if code := d.checkBounds(unit, req.FunctionCode, address, maxAddress, quantity, maxQuantityRegisterRead); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}

	words, err := read(address, quantity)
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	fb.SeekWriter(0)
	_ = fb.WriteU8(byte(len(words)))
	_ = fb.WriteBytes(words)
	return pduCopy(fb, req.FunctionCode)
}

// writeSingleCoil implements Write Single Coil (0x05).
func (d *Dispatcher) writeSingleCoil(unit byte, req modbus.ProtocolDataUnit, fb *FrameBuffer) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	fb.LoadRequest(req.Data)
	address, _ := fb.ReadU16()
	value, _ := fb.ReadU16()
	if value != 0x0000 && value != 0xFF00 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if code := d.checkBounds(unit, req.FunctionCode, address, d.store.MaxCoilAddress(), 1, 1); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}

	changed, err := d.store.WriteSingleCoil(address, value)
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	if changed && d.raiseEvents && d.onCoilsChanged != nil {
		d.onCoilsChanged(unit, []uint16{address})
	}

	fb.SeekWriter(0)
	_ = fb.WriteU16BE(address)
	_ = fb.WriteU16BE(value)
	return pduCopy(fb, req.FunctionCode)
}

// writeSingleRegister implements Write Single Register (0x06). The
// value field carries arbitrary 16-bit data, not necessarily a
// quantity, so it is read and echoed back through ReadI16/WriteI16
// rather than as an unsigned count.
func (d *Dispatcher) writeSingleRegister(unit byte, req modbus.ProtocolDataUnit, fb *FrameBuffer) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	fb.LoadRequest(req.Data)
	address, _ := fb.ReadU16()
	value, _ := fb.ReadI16()

	if code := d.checkBounds(unit, req.FunctionCode, address, d.store.MaxHoldingRegisterAddress(), 1, 1); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}

	changed, err := d.store.WriteSingleRegister(address, uint16(value))
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	if changed && d.raiseEvents && d.onRegistersChanged != nil {
		d.onRegistersChanged(unit, []uint16{address})
	}

	fb.SeekWriter(0)
	_ = fb.WriteU16BE(address)
	_ = fb.WriteI16(value)
	return pduCopy(fb, req.FunctionCode)
}

// writeMultipleRegisters implements Write Multiple Registers (0x10).
// byteCount must equal 2*quantity exactly, or the request is rejected
// with IllegalDataValue before any mutation occurs.
func (d *Dispatcher) writeMultipleRegisters(unit byte, req modbus.ProtocolDataUnit, fb *FrameBuffer) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	fb.LoadRequest(req.Data)
	address, _ := fb.ReadU16()
	quantity, _ := fb.ReadU16()
	byteCount, _ := fb.ReadU8()

	if code := d.checkBounds(unit, req.FunctionCode, address, d.store.MaxHoldingRegisterAddress(), quantity, maxQuantityWriteRegs); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}
	if int(byteCount) != int(quantity)*2 || fb.Remaining() != int(byteCount) {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	wireBytes, err := fb.ReadBytes(int(byteCount))
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	changedAddrs, err := d.store.WriteMultipleRegisters(address, quantity, wireBytes)
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	if len(changedAddrs) > 0 && d.raiseEvents && d.onRegistersChanged != nil {
		d.onRegistersChanged(unit, changedAddrs)
	}

	fb.SeekWriter(0)
	_ = fb.WriteU16BE(address)
	_ = fb.WriteU16BE(quantity)
	return pduCopy(fb, req.FunctionCode)
}

// readWriteMultipleRegisters implements Read/Write Multiple Registers
// (0x17): [readAddr BE][readQty BE][writeAddr BE][writeQty BE][writeByteCount][writeData].
// Both windows are validated before any mutation. The write is applied
// before the read, so overlapping windows observe the just-written
// values in the response.
func (d *Dispatcher) readWriteMultipleRegisters(unit byte, req modbus.ProtocolDataUnit, fb *FrameBuffer) modbus.ProtocolDataUnit {
	if len(req.Data) < 9 {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	fb.LoadRequest(req.Data)
	readAddr, _ := fb.ReadU16()
	readQty, _ := fb.ReadU16()
	writeAddr, _ := fb.ReadU16()
	writeQty, _ := fb.ReadU16()
	writeByteCount, _ := fb.ReadU8()

	if code := d.checkBounds(unit, req.FunctionCode, readAddr, d.store.MaxHoldingRegisterAddress(), readQty, maxQuantityRegisterRead); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}
	if code := d.checkBounds(unit, req.FunctionCode, writeAddr, d.store.MaxHoldingRegisterAddress(), writeQty, maxQuantityWriteRegs); code != ExceptionCodeOK {
		return modbus.ExceptionPDU(req.FunctionCode, code)
	}
	if int(writeByteCount) != int(writeQty)*2 || fb.Remaining() != int(writeByteCount) {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	wireBytes, err := fb.ReadBytes(int(writeByteCount))
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	changedAddrs, err := d.store.WriteMultipleRegisters(writeAddr, writeQty, wireBytes)
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	if len(changedAddrs) > 0 && d.raiseEvents && d.onRegistersChanged != nil {
		d.onRegistersChanged(unit, changedAddrs)
	}

	words, err := d.store.ReadHoldingRegisters(readAddr, readQty)
	if err != nil {
		return modbus.ExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	fb.SeekWriter(0)
	_ = fb.WriteU8(byte(len(words)))
	_ = fb.WriteBytes(words)
	return pduCopy(fb, req.FunctionCode)
}
