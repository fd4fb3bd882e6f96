// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lijinling/modbus-pdu-server/modbus"
)

func TestHandlerHandleOnceDispatchesAndSends(t *testing.T) {
	store := newFakeStore(16)
	d := NewDispatcher(Options{Store: store})

	req := pdu(0x03, 0x00, 0x00, 0x00, 0x01)
	var gotUnit byte
	var gotResp modbus.ProtocolDataUnit
	h := NewHandler(d,
		func(ctx context.Context) (byte, modbus.ProtocolDataUnit, error) { return 7, req, nil },
		func(unit byte, resp modbus.ProtocolDataUnit) error {
			gotUnit = unit
			gotResp = resp
			return nil
		},
	)

	if err := h.HandleOnce(context.Background()); err != nil {
		t.Fatalf("HandleOnce: %v", err)
	}
	if gotUnit != 7 {
		t.Fatalf("send got unit %d, want 7", gotUnit)
	}
	assertPDU(t, gotResp, pdu(0x03, 0x02, 0x00, 0x00))
}

func TestHandlerRunStopsOnContextCancellation(t *testing.T) {
	store := newFakeStore(16)
	d := NewDispatcher(Options{Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	h := NewHandler(d,
		func(ctx context.Context) (byte, modbus.ProtocolDataUnit, error) {
			atomic.AddInt32(&calls, 1)
			select {
			case <-ctx.Done():
				return 0, modbus.ProtocolDataUnit{}, ctx.Err()
			case <-time.After(5 * time.Millisecond):
				return 1, pdu(0x03, 0x00, 0x00, 0x00, 0x01), nil
			}
		},
		func(byte, modbus.ProtocolDataUnit) error { return nil },
	)

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	h.Wait()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancellation, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("receive was never called")
	}
}

// countingStore wraps fakeStore to record how many goroutines are
// inside ReadHoldingRegisters at once, so a test can assert the
// Dispatcher's coarse lock actually serializes whole Dispatch calls
// rather than just individual store accesses.
type countingStore struct {
	*fakeStore
	active    int32
	maxActive int32
}

func (s *countingStore) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	cur := atomic.AddInt32(&s.active, 1)
	for {
		old := atomic.LoadInt32(&s.maxActive)
		if cur <= old || atomic.CompareAndSwapInt32(&s.maxActive, old, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&s.active, -1)
	return s.fakeStore.ReadHoldingRegisters(address, quantity)
}

func TestDispatcherAsynchronousSerializesConcurrentDispatch(t *testing.T) {
	store := &countingStore{fakeStore: newFakeStore(16)}
	d := NewDispatcher(Options{Store: store, Asynchronous: true, Lock: &sync.Mutex{}})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(1, pdu(0x03, 0x00, 0x00, 0x00, 0x01))
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&store.maxActive); max > 1 {
		t.Fatalf("concurrent Dispatch calls overlapped inside the store: maxActive=%d, want 1", max)
	}
}
