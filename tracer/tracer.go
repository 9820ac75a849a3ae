// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer implements the breakpoint/shadow-page engine that
// traces a guest kernel's system calls from the host's privileged
// domain.
//
// The engine maintains two views of guest physical memory through the
// hypervisor's alt-p2m facility. The default view maps the kernel
// unmodified. The shadow view replaces instrumented kernel-code frames
// with copies that carry INT3 bytes at the traced entry points.
//
// The engine switches a VCPU to the default view for exactly one
// instruction in two situations:
//
//	(1) after trapping a read or write of an instrumented frame, so
//	    kernel integrity checks measure the expected bytes;
//	(2) after servicing an emplaced breakpoint, so the displaced
//	    original instruction executes.
//
// The subsequent single-step completion flips the VCPU back to the
// shadow view, which re-arms the breakpoints.
//
// Two breakpoint flavors exist. A call-site breakpoint is emplaced as
// the first instruction of each traced system-call routine in the
// shadow view. A return-site breakpoint is never emplaced: the engine
// reuses an INT3 byte already present in the kernel's syscall entry
// page as a trampoline, and while servicing a call-site hit it rewrites
// the routine's stack return slot to point there. After servicing the
// trampoline hit it sets RIP to the real post-dispatch return point.
package tracer // import "github.com/slatrace/slatrace/tracer"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/guestos"
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

const (
	// MaxVCPUs bounds the per-VCPU single-step events registered at
	// startup.
	MaxVCPUs = 16

	// breakpointInst is the one-byte INT3 instruction.
	breakpointInst = 0xCC

	defaultEventPollTimeout = 500 * time.Millisecond

	pidCacheSize = 1024
)

// Intervals is the subset of times.Times the tracer needs.
type Intervals interface {
	EventPollTimeout() time.Duration
}

// Config bundles the collaborators for NewTracer.
type Config struct {
	// GuestName is the hypervisor-level name of the traced domain.
	GuestName string
	// Guest is the VMI handle to the domain.
	Guest vmi.Guest
	// Control is the hypervisor control channel.
	Control domctl.Control
	// Intervals provides the event-loop poll timeout. Optional.
	Intervals Intervals
	// Adapter overrides the OS adapter chosen from the detected guest
	// OS. Optional.
	Adapter guestos.Adapter
}

// Tracer is the engine state for one traced guest.
type Tracer struct {
	guest   vmi.Guest
	mem     vmi.Memory
	ctl     domctl.Control
	dom     domctl.DomainID
	adapter guestos.Adapter

	shadowView domctl.ViewID
	// ptrWidth is the guest pointer width in bytes.
	ptrWidth uint64

	// pageTranslation maps original kernel-code frames to their shadow
	// frames.
	pageTranslation map[libpf.Frame]libpf.Frame
	// pageRecords maps shadow frames to their page records.
	pageRecords map[libpf.Frame]*pageRecord
	// callsInFlight maps thread IDs (the guest stack pointer at the
	// call-site hit) to pending call/return pairs.
	callsInFlight map[libpf.Address]*callInFlight

	// returnAddr is the instruction following the dispatch call in the
	// guest's syscall entry handler.
	returnAddr libpf.Address
	// trampolineAddr is a pre-existing INT3 byte in the syscall entry
	// page, used as the return-site breakpoint.
	trampolineAddr libpf.Address

	initMemSize uint64
	currMemSize uint64

	pids *freelru.LRU[uint64, libpf.PID]

	intervals   Intervals
	interrupted atomic.Bool

	statPages       atomic.Int64
	statBreakpoints atomic.Int64
	statCalls       atomic.Int64
}

// NewTracer connects the engine to a guest: it enables alt-p2m on the
// domain and creates the (not yet active) shadow view. The guest is
// paused for the duration of the setup.
func NewTracer(cfg *Config) (*Tracer, error) {
	if err := cfg.Guest.Pause(); err != nil {
		return nil, fmt.Errorf("failed to pause guest: %w", err)
	}
	t, err := newTracer(cfg)
	if resumeErr := cfg.Guest.Resume(); resumeErr != nil {
		log.Errorf("Failed to resume guest: %v", resumeErr)
	}
	return t, err
}

func newTracer(cfg *Config) (*Tracer, error) {
	guest, ctl := cfg.Guest, cfg.Control

	adapter := cfg.Adapter
	if adapter == nil {
		var err error
		if adapter, err = guestos.ForOSType(guest.OSType()); err != nil {
			return nil, err
		}
	}

	width, err := guest.AddressWidth()
	if err != nil {
		return nil, fmt.Errorf("failed to get guest address width: %w", err)
	}

	dom, err := ctl.LookupDomain(cfg.GuestName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve domain ID for %s: %w",
			cfg.GuestName, err)
	}

	memSize, err := guest.MemSize()
	if err != nil || memSize == 0 {
		return nil, fmt.Errorf("failed to get guest memory size: %w", err)
	}

	if err = ctl.SetAltP2MState(dom, true); err != nil {
		return nil, fmt.Errorf("failed to enable altp2m on guest: %w", err)
	}

	view, err := ctl.CreateView(dom)
	if err != nil {
		if stateErr := ctl.SetAltP2MState(dom, false); stateErr != nil {
			log.Errorf("Failed to disable altp2m after view creation failed: %v",
				stateErr)
		}
		return nil, fmt.Errorf("failed to create shadow view: %w", err)
	}

	pids, err := freelru.New[uint64, libpf.PID](pidCacheSize, libpf.HashUint64)
	if err != nil {
		return nil, err
	}

	return &Tracer{
		guest:           guest,
		mem:             vmi.MemoryFor(guest),
		ctl:             ctl,
		dom:             dom,
		adapter:         adapter,
		shadowView:      view,
		ptrWidth:        uint64(width),
		pageTranslation: make(map[libpf.Frame]libpf.Frame),
		pageRecords:     make(map[libpf.Frame]*pageRecord),
		callsInFlight:   make(map[libpf.Address]*callInFlight),
		initMemSize:     memSize,
		currMemSize:     memSize,
		pids:            pids,
		intervals:       cfg.Intervals,
	}, nil
}

// Adapter returns the OS adapter selected for the guest.
func (t *Tracer) Adapter() guestos.Adapter {
	return t.adapter
}

// Interrupt asks the event loop to exit. Safe to call from a signal
// context or another goroutine.
func (t *Tracer) Interrupt() {
	t.interrupted.Store(true)
}

func (t *Tracer) pollTimeout() time.Duration {
	if t.intervals == nil {
		return defaultEventPollTimeout
	}
	return t.intervals.EventPollTimeout()
}

// prepare activates the shadow view, registers the event handlers and
// resolves the trampoline and return-point addresses. Runs under guest
// pause.
func (t *Tracer) prepare() error {
	if err := t.guest.Pause(); err != nil {
		return fmt.Errorf("failed to pause guest: %w", err)
	}
	defer func() {
		if err := t.guest.Resume(); err != nil {
			log.Errorf("Failed to resume guest: %v", err)
		}
	}()

	if err := t.ctl.SwitchView(t.dom, t.shadowView); err != nil {
		return fmt.Errorf("failed to activate shadow view: %w", err)
	}

	if err := t.setupEvents(); err != nil {
		t.deactivateShadowView()
		return err
	}

	returnAddr, err := t.adapter.FindReturnPointAddr(t.guest)
	if err != nil {
		t.deactivateShadowView()
		return fmt.Errorf("failed to locate syscall return point: %w", err)
	}
	t.returnAddr = returnAddr

	trampolineAddr, err := t.findTrampolineAddr()
	if err != nil {
		t.deactivateShadowView()
		return fmt.Errorf("failed to locate trampoline: %w", err)
	}
	t.trampolineAddr = trampolineAddr

	log.Debugf("Return point at %#x, trampoline at %#x",
		t.returnAddr, t.trampolineAddr)
	return nil
}

func (t *Tracer) setupEvents() error {
	if err := t.guest.RegisterInterruptEvent(t.handleInterrupt); err != nil {
		return fmt.Errorf("failed to register interrupt event: %w", err)
	}

	if err := t.guest.RegisterMemEvent(vmi.AccessRW, uint16(t.shadowView),
		t.handleMemAccess); err != nil {
		return fmt.Errorf("failed to register memory event: %w", err)
	}

	vcpus, err := t.guest.NumVCPUs()
	if err != nil || vcpus == 0 {
		return fmt.Errorf("failed to get number of VCPUs: %w", err)
	}
	if vcpus > MaxVCPUs {
		return fmt.Errorf("guest has %d VCPUs, more than the supported %d",
			vcpus, MaxVCPUs)
	}
	for vcpu := uint32(0); vcpu < vcpus; vcpu++ {
		if err = t.guest.RegisterSinglestepEvent(vcpu, t.handleSinglestep); err != nil {
			return fmt.Errorf("failed to register single-step event on VCPU %d: %w",
				vcpu, err)
		}
	}
	return nil
}

func (t *Tracer) deactivateShadowView() {
	if err := t.ctl.SwitchView(t.dom, domctl.DefaultView); err != nil {
		log.Errorf("Failed to reset active view to default: %v", err)
	}
}

// Run activates instrumentation and services hypervisor events until
// Interrupt or Quit is called, the context is canceled, or waiting
// fails.
func (t *Tracer) Run(ctx context.Context) error {
	if err := t.prepare(); err != nil {
		return err
	}

	for !t.interrupted.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := t.guest.ListenEvents(t.pollTimeout()); err != nil {
			return fmt.Errorf("error waiting for events: %w", err)
		}
	}
	return nil
}

// Quit removes all guest instrumentation: hijacked return slots are
// restored, shadow pages unmapped and their frames released, and the
// default view reactivated. The event loop exits afterwards. Returned
// errors are teardown warnings; all steps are always attempted.
func (t *Tracer) Quit() error {
	var errs []error

	if err := t.guest.Pause(); err != nil {
		errs = append(errs, fmt.Errorf("failed to pause guest: %w", err))
	}

	clear(t.pageTranslation)

	for tid, call := range t.callsInFlight {
		if err := t.restoreReturnAddr(call); err != nil {
			errs = append(errs, err)
		}
		delete(t.callsInFlight, tid)
		t.statCalls.Add(-1)
	}

	for shadow, rec := range t.pageRecords {
		if err := t.destroyPageRecord(rec); err != nil {
			errs = append(errs, err)
		}
		delete(t.pageRecords, shadow)
	}

	if err := t.ctl.SwitchView(t.dom, domctl.DefaultView); err != nil {
		errs = append(errs,
			fmt.Errorf("failed to reset active view to default: %w", err))
	}

	if err := t.guest.Resume(); err != nil {
		errs = append(errs, fmt.Errorf("failed to resume guest: %w", err))
	}

	t.interrupted.Store(true)
	return errors.Join(errs...)
}

// Free releases the hypervisor resources. Must be called after Quit.
// Returned errors are teardown warnings.
func (t *Tracer) Free() error {
	var errs []error

	if err := t.guest.Pause(); err != nil {
		errs = append(errs, fmt.Errorf("failed to pause guest: %w", err))
	}

	if err := t.ctl.DestroyView(t.dom, t.shadowView); err != nil {
		errs = append(errs, fmt.Errorf("failed to destroy shadow view: %w", err))
	}
	if err := t.ctl.SetAltP2MState(t.dom, false); err != nil {
		errs = append(errs, fmt.Errorf("failed to disable altp2m: %w", err))
	}
	// The hypervisor does not always lower the setting across runs;
	// restore what we saw at startup and move on.
	if err := t.ctl.SetMaxMem(t.dom, t.initMemSize); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore maxmem: %w", err))
	}
	t.currMemSize = t.initMemSize

	if err := t.ctl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close control handle: %w", err))
	}

	if err := t.guest.Resume(); err != nil {
		errs = append(errs, fmt.Errorf("failed to resume guest: %w", err))
	}
	t.guest.Destroy()

	return errors.Join(errs...)
}

// pidForCR3 resolves the process ID owning a page-table base, with a
// small evicting cache in front of the VMI lookup.
func (t *Tracer) pidForCR3(cr3 uint64) libpf.PID {
	if pid, ok := t.pids.Get(cr3); ok {
		return pid
	}
	pid, err := t.guest.DTBToPID(cr3)
	if err != nil {
		log.Debugf("Failed to resolve PID for CR3 %#x: %v", cr3, err)
		return -1
	}
	t.pids.Add(cr3, pid)
	return pid
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	PageRecords   int64
	Breakpoints   int64
	CallsInFlight int64
}

// Stats may be called from other goroutines while the event loop runs.
func (t *Tracer) Stats() Stats {
	return Stats{
		PageRecords:   t.statPages.Load(),
		Breakpoints:   t.statBreakpoints.Load(),
		CallsInFlight: t.statCalls.Load(),
	}
}
