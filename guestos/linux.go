// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package guestos // import "github.com/slatrace/slatrace/guestos"

import (
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// linuxAdapter traces the Linux kernel. System-call arguments follow
// the kernel calling convention: RDI, RSI, RDX, R10, R8, R9.
type linuxAdapter struct {
	table []SyscallCallback
}

func NewLinuxAdapter() Adapter {
	return &linuxAdapter{
		table: printTable(linuxSyscalls, linuxArgRegs),
	}
}

func linuxArgRegs(regs *vmi.Registers) [6]uint64 {
	return [6]uint64{regs.RDI, regs.RSI, regs.RDX, regs.R10, regs.R8, regs.R9}
}

// FindReturnPointAddr locates the instruction following the dispatch
// call in entry_SYSCALL_64. The 64-bit entry handler reaches the
// per-call routines through a direct call to the C dispatcher, so the
// first near relative CALL in the handler marks the dispatch site.
func (a *linuxAdapter) FindReturnPointAddr(g vmi.Guest) (libpf.Address, error) {
	entry, err := syscallEntryAddr(g)
	if err != nil {
		return 0, err
	}
	return findAddrAfterInstruction(g, entry, isDirectCall)
}

func (a *linuxAdapter) Callbacks() []SyscallCallback {
	return a.table
}

// linuxSyscalls is the default set of traced Linux system calls with
// their argument layout.
var linuxSyscalls = []syscallSpec{
	{name: "sys_open", args: []argSpec{
		{"filename", argHex}, {"flags", argHex}, {"mode", argHex}}},
	{name: "sys_openat", args: []argSpec{
		{"dfd", argDec}, {"filename", argHex}, {"flags", argHex}, {"mode", argHex}}},
	{name: "sys_read", args: []argSpec{
		{"fd", argDec}, {"buf", argHex}, {"count", argDec}}},
	{name: "sys_write", args: []argSpec{
		{"fd", argDec}, {"buf", argHex}, {"count", argDec}}},
	{name: "sys_close", args: []argSpec{
		{"fd", argDec}}},
	{name: "sys_execve", args: []argSpec{
		{"filename", argHex}, {"argv", argHex}, {"envp", argHex}}},
	{name: "sys_clone", args: []argSpec{
		{"flags", argHex}, {"stack", argHex}, {"parent_tid", argHex},
		{"child_tid", argHex}, {"tls", argHex}}},
	{name: "sys_mmap", args: []argSpec{
		{"addr", argHex}, {"len", argDec}, {"prot", argHex},
		{"flags", argHex}, {"fd", argDec}, {"off", argHex}}},
	{name: "sys_munmap", args: []argSpec{
		{"addr", argHex}, {"len", argDec}}},
	{name: "sys_exit_group", args: []argSpec{
		{"code", argDec}}},
}
