// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "github.com/lijinling/modbus-pdu-server/internal/local-slave/model"

const (
	sizeCoils    = model.DefaultTableSize
	sizeDiscrete = model.DefaultTableSize
	sizeHolding  = model.DefaultTableSize * 2
	sizeInput    = model.DefaultTableSize * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// mapBytesToModel constructs a DataModel backed by the provided data
// slice, with no copy and no host-endianness dependency: every table,
// register tables included, is already a plain byte slice in wire
// order, so the mapping is a direct sub-slice in every case.
func mapBytesToModel(data []byte) *model.DataModel {
	return &model.DataModel{
		Coils:            data[offsetCoils : offsetCoils+sizeCoils],
		DiscreteInputs:   data[offsetDiscrete : offsetDiscrete+sizeDiscrete],
		HoldingRegisters: data[offsetHolding : offsetHolding+sizeHolding],
		InputRegisters:   data[offsetInput : offsetInput+sizeInput],
	}
}
