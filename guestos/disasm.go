// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package guestos // import "github.com/slatrace/slatrace/guestos"

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// findAddrAfterInstruction decodes up to one page of guest kernel text
// beginning at start and returns the virtual address of the instruction
// following the first one accepted by match. Undecodable bytes are
// skipped one at a time, mirroring a linear-sweep disassembler.
func findAddrAfterInstruction(g vmi.Guest, start libpf.Address,
	match func(x86asm.Inst) bool) (libpf.Address, error) {
	pa, err := g.TranslateKV2P(start)
	if err != nil {
		return 0, fmt.Errorf("failed to translate %#x: %w", start, err)
	}

	code := make([]byte, libpf.PageSize)
	if err = g.ReadPhys(pa, code); err != nil {
		return 0, fmt.Errorf("failed to read kernel text at %#x: %w", pa, err)
	}

	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			continue
		}
		offset += inst.Len
		if match(inst) {
			return start + libpf.Address(offset), nil
		}
	}

	return 0, fmt.Errorf("no matching instruction within a page of %#x", start)
}

// isDirectCall matches a near relative CALL.
func isDirectCall(inst x86asm.Inst) bool {
	if inst.Op != x86asm.CALL {
		return false
	}
	_, ok := inst.Args[0].(x86asm.Rel)
	return ok
}

// isIndirectCall matches a CALL through a register or memory operand.
func isIndirectCall(inst x86asm.Inst) bool {
	if inst.Op != x86asm.CALL {
		return false
	}
	switch inst.Args[0].(type) {
	case x86asm.Reg, x86asm.Mem:
		return true
	}
	return false
}

// syscallEntryAddr reads the syscall-entry MSR, which is constant
// across VCPUs.
func syscallEntryAddr(g vmi.Guest) (libpf.Address, error) {
	lstar, err := g.GetVCPUReg(vmi.RegMSRLstar, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read MSR_LSTAR: %w", err)
	}
	return libpf.Address(lstar), nil
}
