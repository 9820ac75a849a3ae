// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vmi // import "github.com/slatrace/slatrace/vmi"

// Registers is the x86-64 register file captured when an event fired.
type Registers struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RBP    uint64
	RSP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFlags uint64
	CR3    uint64
}
