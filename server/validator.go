// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

// ExceptionCodeOK is returned by a Validator to permit a request; it
// carries no meaning on the wire and is never placed in a response.
const ExceptionCodeOK = 0x00

// Validator is an optional policy hook consulted before bounds
// checking. Returning anything other than ExceptionCodeOK aborts the
// request with that exception code. Validator is called with the
// coarse lock held when the server is asynchronous; it must not call
// back into the Dispatcher.
type Validator func(unit byte, functionCode byte, address, quantity uint16) byte

// ChangeFunc is a change-event callback. It fires only when raising
// events is enabled and at least one addressed element actually
// changed value.
type ChangeFunc func(unit byte, addresses []uint16)
