// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package guestos // import "github.com/slatrace/slatrace/guestos"

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

type argKind int

const (
	argDec argKind = iota
	argHex
)

type argSpec struct {
	name string
	kind argKind
}

// syscallSpec describes how to render one system call: its kernel
// symbol and the names of the register arguments to decode.
type syscallSpec struct {
	name string
	args []argSpec
}

// argRegs extracts the calling-convention argument registers in order.
type argRegs func(regs *vmi.Registers) [6]uint64

func (s *syscallSpec) format(regs *vmi.Registers, getArgs argRegs) string {
	values := getArgs(regs)
	parts := make([]string, 0, len(s.args))
	for i, a := range s.args {
		if i >= len(values) {
			break
		}
		switch a.kind {
		case argDec:
			parts = append(parts, fmt.Sprintf("%s=%d", a.name, int64(values[i])))
		default:
			parts = append(parts, fmt.Sprintf("%s=%#x", a.name, values[i]))
		}
	}
	return strings.Join(parts, ", ")
}

// printCallbacks builds the default table entry for spec: the call
// callback logs the decoded arguments and passes the symbol name as
// per-call state; the return callback logs the value in RAX.
func printCallbacks(spec *syscallSpec, getArgs argRegs) SyscallCallback {
	return SyscallCallback{
		Name: spec.name,
		OnCall: func(ev *vmi.InterruptEvent, pid libpf.PID, tid libpf.Address, _ any) any {
			log.Infof("pid %d [%#x] %s(%s)", pid, tid, spec.name,
				spec.format(ev.Regs, getArgs))
			return spec.name
		},
		OnRet: func(ev *vmi.InterruptEvent, pid libpf.PID, tid libpf.Address, state any) {
			name, _ := state.(string)
			log.Infof("pid %d [%#x] %s = %#x", pid, tid, name, ev.Regs.RAX)
		},
	}
}

func printTable(specs []syscallSpec, getArgs argRegs) []SyscallCallback {
	table := make([]SyscallCallback, len(specs))
	for i := range specs {
		table[i] = printCallbacks(&specs[i], getArgs)
	}
	return table
}
