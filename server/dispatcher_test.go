// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lijinling/modbus-pdu-server/modbus"
)

// fakeStore is a minimal RegisterStore backed by plain slices, used to
// exercise the Dispatcher independent of the concrete on-disk model.
type fakeStore struct {
	coils            []byte // one bit per element, index-addressed for test clarity
	discreteInputs   []byte
	holdingRegisters []byte // wire-order, 2 bytes per element
	inputRegisters   []byte
}

func newFakeStore(size int) *fakeStore {
	return &fakeStore{
		coils:            make([]byte, size),
		discreteInputs:   make([]byte, size),
		holdingRegisters: make([]byte, size*2),
		inputRegisters:   make([]byte, size*2),
	}
}

func (s *fakeStore) ReadCoils(address, quantity uint16) ([]byte, error) {
	return packBits(s.coils, address, quantity), nil
}

func (s *fakeStore) WriteSingleCoil(address uint16, value uint16) (bool, error) {
	v := byte(0)
	if value == 0xFF00 {
		v = 1
	}
	changed := s.coils[address] != v
	s.coils[address] = v
	return changed, nil
}

func (s *fakeStore) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return packBits(s.discreteInputs, address, quantity), nil
}

func (s *fakeStore) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return s.holdingRegisters[address*2 : address*2+quantity*2], nil
}

func (s *fakeStore) WriteSingleRegister(address uint16, value uint16) (bool, error) {
	old := binary.BigEndian.Uint16(s.holdingRegisters[address*2:])
	binary.BigEndian.PutUint16(s.holdingRegisters[address*2:], value)
	return old != value, nil
}

func (s *fakeStore) WriteMultipleRegisters(address, quantity uint16, wireBytes []byte) ([]uint16, error) {
	var changed []uint16
	for i := uint16(0); i < quantity; i++ {
		off := int(address+i) * 2
		if s.holdingRegisters[off] != wireBytes[i*2] || s.holdingRegisters[off+1] != wireBytes[i*2+1] {
			changed = append(changed, address+i)
		}
		s.holdingRegisters[off] = wireBytes[i*2]
		s.holdingRegisters[off+1] = wireBytes[i*2+1]
	}
	return changed, nil
}

func (s *fakeStore) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return s.inputRegisters[address*2 : address*2+quantity*2], nil
}

func (s *fakeStore) MaxCoilAddress() uint16            { return uint16(len(s.coils)) }
func (s *fakeStore) MaxDiscreteInputAddress() uint16   { return uint16(len(s.discreteInputs)) }
func (s *fakeStore) MaxHoldingRegisterAddress() uint16 { return uint16(len(s.holdingRegisters) / 2) }
func (s *fakeStore) MaxInputRegisterAddress() uint16   { return uint16(len(s.inputRegisters) / 2) }

func packBits(src []byte, address, quantity uint16) []byte {
	out := make([]byte, (int(quantity)+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if src[address+i] != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// trackingStore wraps fakeStore to count ReadHoldingRegisters calls,
// so a test can assert a rejected request never reached the store.
type trackingStore struct {
	*fakeStore
	readHoldingCalls int
}

func (s *trackingStore) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	s.readHoldingCalls++
	return s.fakeStore.ReadHoldingRegisters(address, quantity)
}

func pdu(fc byte, data ...byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}
}

func TestDispatchScenarios(t *testing.T) {
	const unit = 1

	t.Run("read two holding registers", func(t *testing.T) {
		store := newFakeStore(16)
		binary.BigEndian.PutUint16(store.holdingRegisters[0:], 0x1234)
		binary.BigEndian.PutUint16(store.holdingRegisters[2:], 0x5678)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x03, 0x00, 0x00, 0x00, 0x02))
		want := pdu(0x03, 0x04, 0x12, 0x34, 0x56, 0x78)
		assertPDU(t, got, want)
	})

	t.Run("read three coils", func(t *testing.T) {
		store := newFakeStore(16)
		store.coils[0] = 1
		store.coils[2] = 1
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x01, 0x00, 0x00, 0x00, 0x03))
		want := pdu(0x01, 0x01, 0x05)
		assertPDU(t, got, want)
	})

	t.Run("write single coil on fires event", func(t *testing.T) {
		store := newFakeStore(16)
		var firedUnit byte
		var firedAddrs []uint16
		d := NewDispatcher(Options{
			Store:               store,
			EnableRaisingEvents: true,
			OnCoilsChanged: func(unit byte, addresses []uint16) {
				firedUnit = unit
				firedAddrs = addresses
			},
		})

		got := d.Dispatch(unit, pdu(0x05, 0x00, 0x04, 0xFF, 0x00))
		want := pdu(0x05, 0x00, 0x04, 0xFF, 0x00)
		assertPDU(t, got, want)
		if store.coils[4] != 1 {
			t.Fatalf("coil 4 not set")
		}
		if firedUnit != unit {
			t.Fatalf("change event fired for unit %d, want %d", firedUnit, unit)
		}
		if diff := cmp.Diff([]uint16{4}, firedAddrs); diff != "" {
			t.Fatalf("changed addresses mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("write single register fires event", func(t *testing.T) {
		store := newFakeStore(16)
		fired := false
		d := NewDispatcher(Options{
			Store:               store,
			EnableRaisingEvents: true,
			OnRegistersChanged: func(unit byte, addresses []uint16) {
				fired = true
			},
		})

		got := d.Dispatch(unit, pdu(0x06, 0x00, 0x07, 0x00, 0xAA))
		want := pdu(0x06, 0x00, 0x07, 0x00, 0xAA)
		assertPDU(t, got, want)
		if !fired {
			t.Fatalf("register change event not fired")
		}
	})

	t.Run("write multiple registers", func(t *testing.T) {
		store := newFakeStore(16)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x10, 0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02))
		want := pdu(0x10, 0x00, 0x00, 0x00, 0x02)
		assertPDU(t, got, want)
	})

	t.Run("write multiple coils is not supported", func(t *testing.T) {
		store := newFakeStore(16)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x0F, 0x00, 0x00, 0x00, 0x03, 0x01, 0x05))
		want := pdu(0x8F, 0x01)
		assertPDU(t, got, want)
	})

	t.Run("validator rejects before the store is touched", func(t *testing.T) {
		store := &trackingStore{fakeStore: newFakeStore(16)}
		var validatorSawFunctionCode byte
		d := NewDispatcher(Options{
			Store: store,
			Validator: func(unit byte, functionCode byte, address, quantity uint16) byte {
				validatorSawFunctionCode = functionCode
				return modbus.ExceptionCodeIllegalDataAddress
			},
		})

		got := d.Dispatch(unit, pdu(0x03, 0x00, 0x00, 0x00, 0x01))
		want := pdu(0x83, modbus.ExceptionCodeIllegalDataAddress)
		assertPDU(t, got, want)
		if validatorSawFunctionCode != 0x03 {
			t.Fatalf("validator saw function code %#x, want 0x03", validatorSawFunctionCode)
		}
		if store.readHoldingCalls != 0 {
			t.Fatalf("store was read %d times despite validator rejection", store.readHoldingCalls)
		}
	})

	t.Run("validator permits by returning ExceptionCodeOK", func(t *testing.T) {
		store := newFakeStore(16)
		binary.BigEndian.PutUint16(store.holdingRegisters[0:], 0x1234)
		d := NewDispatcher(Options{
			Store:     store,
			Validator: func(unit byte, functionCode byte, address, quantity uint16) byte { return ExceptionCodeOK },
		})

		got := d.Dispatch(unit, pdu(0x03, 0x00, 0x00, 0x00, 0x01))
		want := pdu(0x03, 0x02, 0x12, 0x34)
		assertPDU(t, got, want)
	})

	t.Run("illegal function", func(t *testing.T) {
		store := newFakeStore(16)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x2B))
		want := pdu(0xAB, 0x01)
		assertPDU(t, got, want)
	})

	t.Run("read holding registers zero quantity", func(t *testing.T) {
		store := newFakeStore(16)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x03, 0x00, 0x00, 0x00, 0x00))
		want := pdu(0x83, 0x03)
		assertPDU(t, got, want)
	})

	t.Run("read holding registers overflow", func(t *testing.T) {
		store := newFakeStore(16)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x03, 0x00, 0x0F, 0x00, 0x05))
		want := pdu(0x83, 0x02)
		assertPDU(t, got, want)
	})

	t.Run("write single coil illegal value", func(t *testing.T) {
		store := newFakeStore(16)
		d := NewDispatcher(Options{Store: store})

		got := d.Dispatch(unit, pdu(0x05, 0x00, 0x00, 0x12, 0x34))
		want := pdu(0x85, 0x03)
		assertPDU(t, got, want)
	})
}

func TestReadWriteMultipleRegistersOverlapReflectsWrite(t *testing.T) {
	store := newFakeStore(16)
	d := NewDispatcher(Options{Store: store})

	req := pdu(0x17,
		0x00, 0x00, 0x00, 0x02, // read addr 0, qty 2
		0x00, 0x00, 0x00, 0x02, 0x04, // write addr 0, qty 2, byteCount 4
		0x00, 0x0A, 0x00, 0x0B, // new values
	)
	got := d.Dispatch(1, req)
	want := pdu(0x17, 0x04, 0x00, 0x0A, 0x00, 0x0B)
	assertPDU(t, got, want)
}

func TestWriteMultipleRegistersBadByteCountRejectsBeforeMutating(t *testing.T) {
	store := newFakeStore(16)
	d := NewDispatcher(Options{Store: store})

	before := append([]byte(nil), store.holdingRegisters...)
	got := d.Dispatch(1, pdu(0x10, 0x00, 0x00, 0x00, 0x02, 0x05, 0x00, 0x01, 0x00, 0x02, 0x00))
	if !modbus.IsException(got.FunctionCode) || got.Data[0] != modbus.ExceptionCodeIllegalDataValue {
		t.Fatalf("expected IllegalDataValue, got %+v", got)
	}
	if diff := cmp.Diff(before, store.holdingRegisters); diff != "" {
		t.Fatalf("store mutated despite rejected request (-before +after):\n%s", diff)
	}
}

// panicStore passes bounds checks but faults inside the store itself,
// exercising the Dispatcher's recover-to-ServerDeviceFailure path.
type panicStore struct{ fakeStore }

func (s *panicStore) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	panic("simulated internal fault")
}

func TestInternalFaultBecomesServerDeviceFailure(t *testing.T) {
	store := &panicStore{*newFakeStore(16)}
	d := NewDispatcher(Options{Store: store})

	got := d.Dispatch(1, pdu(0x03, 0x00, 0x00, 0x00, 0x01))
	want := pdu(0x83, modbus.ExceptionCodeServerDeviceFailure)
	assertPDU(t, got, want)
}

func assertPDU(t *testing.T, got, want modbus.ProtocolDataUnit) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("PDU mismatch (-want +got):\n%s", diff)
	}
}
