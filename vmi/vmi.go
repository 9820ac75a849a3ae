// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmi abstracts the virtual-machine introspection library used
// to inspect a guest from the host's privileged domain: address
// translation, guest physical memory access, VCPU registers, and the
// hypervisor event channel (breakpoint, memory-access and single-step
// events).
package vmi // import "github.com/slatrace/slatrace/vmi"

import (
	"errors"
	"time"

	"github.com/slatrace/slatrace/libpf"
)

// OSType identifies the operating system detected in the guest.
type OSType int

const (
	OSUnknown OSType = iota
	OSLinux
	OSWindows
)

func (t OSType) String() string {
	switch t {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// Reg identifies a VCPU register for GetVCPUReg/SetVCPUReg.
type Reg int

const (
	RegRIP Reg = iota
	RegRSP
	RegCR3
	// RegMSRLstar is the syscall-entry MSR; it holds the kernel virtual
	// address of the 64-bit system-call entry handler.
	RegMSRLstar
)

// ErrNoBackend is returned by NewGuest when the binary was built
// without a hypervisor introspection backend.
var ErrNoBackend = errors.New("no VMI backend available")

// Guest is a handle to a single introspected domain.
//
// All event callbacks are delivered serialized on the goroutine calling
// ListenEvents, so handler code may touch shared state without locking.
type Guest interface {
	Pause() error
	Resume() error
	// Destroy releases the introspection handle. The guest itself keeps
	// running.
	Destroy()

	NumVCPUs() (uint32, error)
	// AddressWidth returns the guest pointer width in bytes.
	AddressWidth() (uint8, error)
	// MemSize returns the guest physical memory size in bytes.
	MemSize() (uint64, error)
	OSType() OSType

	// TranslateKSym2V resolves a kernel symbol to its virtual address.
	TranslateKSym2V(symbol string) (libpf.Address, error)
	// TranslateKV2P translates a kernel virtual address to a guest
	// physical address.
	TranslateKV2P(va libpf.Address) (libpf.PhysAddr, error)
	// DTBToPID maps a page-table base (CR3) to the owning process ID.
	DTBToPID(dtb uint64) (libpf.PID, error)

	ReadPhys(pa libpf.PhysAddr, p []byte) error
	WritePhys(pa libpf.PhysAddr, p []byte) error

	GetVCPUReg(reg Reg, vcpu uint32) (uint64, error)
	SetVCPUReg(reg Reg, value uint64, vcpu uint32) error

	// RegisterInterruptEvent arms the single INT3 interrupt event for
	// the whole domain.
	RegisterInterruptEvent(h InterruptHandler) error
	// RegisterMemEvent arms the generic memory event; individual frames
	// are subscribed with SetMemAccess.
	RegisterMemEvent(access Access, view uint16, h MemHandler) error
	// RegisterSinglestepEvent arms a step-completion event for one VCPU.
	RegisterSinglestepEvent(vcpu uint32, h SinglestepHandler) error
	// SetMemAccess subscribes (or, with AccessNone, unsubscribes) a
	// frame to the memory event within the given view.
	SetMemAccess(frame libpf.Frame, access Access, view uint16) error

	// ListenEvents blocks for up to timeout delivering pending events to
	// the registered handlers.
	ListenEvents(timeout time.Duration) error
}
