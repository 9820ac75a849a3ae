// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package guestos // import "github.com/slatrace/slatrace/guestos"

import (
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// windowsAdapter traces the Windows kernel. At the system-call entry
// the first four arguments live in R10 (the saved RCX), RDX, R8 and
// R9; the rest are on the user stack and are not decoded here.
type windowsAdapter struct {
	table []SyscallCallback
}

func NewWindowsAdapter() Adapter {
	return &windowsAdapter{
		table: printTable(windowsSyscalls, windowsArgRegs),
	}
}

func windowsArgRegs(regs *vmi.Registers) [6]uint64 {
	return [6]uint64{regs.R10, regs.RDX, regs.R8, regs.R9, 0, 0}
}

// FindReturnPointAddr locates the instruction following the dispatch
// call in KiSystemCall64, which reaches the service routines through
// the system service table, so the dispatch site is the first indirect
// CALL in the handler.
func (a *windowsAdapter) FindReturnPointAddr(g vmi.Guest) (libpf.Address, error) {
	entry, err := syscallEntryAddr(g)
	if err != nil {
		return 0, err
	}
	return findAddrAfterInstruction(g, entry, isIndirectCall)
}

func (a *windowsAdapter) Callbacks() []SyscallCallback {
	return a.table
}

var windowsSyscalls = []syscallSpec{
	{name: "NtOpenFile", args: []argSpec{
		{"FileHandle", argHex}, {"DesiredAccess", argHex},
		{"ObjectAttributes", argHex}, {"IoStatusBlock", argHex}}},
	{name: "NtCreateFile", args: []argSpec{
		{"FileHandle", argHex}, {"DesiredAccess", argHex},
		{"ObjectAttributes", argHex}, {"IoStatusBlock", argHex}}},
	{name: "NtReadFile", args: []argSpec{
		{"FileHandle", argHex}, {"Event", argHex},
		{"ApcRoutine", argHex}, {"ApcContext", argHex}}},
	{name: "NtWriteFile", args: []argSpec{
		{"FileHandle", argHex}, {"Event", argHex},
		{"ApcRoutine", argHex}, {"ApcContext", argHex}}},
	{name: "NtClose", args: []argSpec{
		{"Handle", argHex}}},
	{name: "NtCreateUserProcess", args: []argSpec{
		{"ProcessHandle", argHex}, {"ThreadHandle", argHex},
		{"ProcessDesiredAccess", argHex}, {"ThreadDesiredAccess", argHex}}},
	{name: "NtTerminateProcess", args: []argSpec{
		{"ProcessHandle", argHex}, {"ExitStatus", argDec}}},
}
