// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vmi // import "github.com/slatrace/slatrace/vmi"

import "github.com/slatrace/slatrace/libpf"

// Access is the set of access types a memory event subscription traps.
type Access uint8

const (
	AccessNone Access = 0
	AccessR    Access = 1 << 0
	AccessW    Access = 1 << 1
	AccessX    Access = 1 << 2
	AccessRW   Access = AccessR | AccessW
)

// ResponseFlags instruct the hypervisor how to resume the VCPU after an
// event handler returns.
type ResponseFlags uint32

const (
	// RespToggleSinglestep toggles MTF single-stepping on the VCPU.
	RespToggleSinglestep ResponseFlags = 1 << iota
	// RespSwitchView switches the VCPU to the view in EventResponse.View.
	// The view change and the single-step toggle are applied atomically
	// before the VCPU resumes.
	RespSwitchView
)

// EventResponse is returned by every event handler.
type EventResponse struct {
	Flags ResponseFlags
	// View is the SLAT view applied when RespSwitchView is set.
	View uint16
}

// InterruptEvent describes an INT3 executed by a VCPU.
type InterruptEvent struct {
	// GLA is the guest linear address of the interrupt instruction.
	GLA  libpf.Address
	VCPU uint32
	Regs *Registers

	// Reinject must be set by the handler when the interrupt belongs to
	// the guest and has to be delivered to it.
	Reinject bool
}

// MemEvent describes a trapped access to a subscribed frame.
type MemEvent struct {
	GFN    libpf.Frame
	GLA    libpf.Address
	Access Access
	VCPU   uint32
	Regs   *Registers
}

// SinglestepEvent reports completion of a single step on a VCPU.
type SinglestepEvent struct {
	VCPU uint32
	Regs *Registers
}

type InterruptHandler func(ev *InterruptEvent) EventResponse

type MemHandler func(ev *MemEvent) EventResponse

type SinglestepHandler func(ev *SinglestepEvent) EventResponse
