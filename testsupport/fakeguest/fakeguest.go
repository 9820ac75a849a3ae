// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package fakeguest provides an in-process guest and hypervisor pair
// for driving the tracing engine in tests. The same value implements
// both vmi.Guest and domctl.Control over a synthetic physical memory,
// and applies event responses (view switches, single-step toggles) the
// way the hypervisor would.
package fakeguest // import "github.com/slatrace/slatrace/testsupport/fakeguest"

import (
	"fmt"
	"sync"
	"time"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

const maxVCPUs = 16

// Guest is a synthetic introspection target.
type Guest struct {
	Name      string
	OS        vmi.OSType
	VCPUCount uint32
	PtrWidth  uint8
	// BaseMem is the memory size reported to the engine.
	BaseMem uint64

	// LStar is the value of the syscall-entry MSR.
	LStar libpf.Address

	// Regs holds the per-VCPU register files delivered with events.
	Regs [maxVCPUs]vmi.Registers

	mem     map[libpf.Frame]*[libpf.PageSize]byte
	symbols map[string]libpf.Address
	vaMap   map[libpf.Frame]libpf.Frame
	pids    map[uint64]libpf.PID

	interruptHandler vmi.InterruptHandler
	memHandler       vmi.MemHandler
	ssHandlers       map[uint32]vmi.SinglestepHandler
	memAccess        map[uint16]map[libpf.Frame]vmi.Access

	PauseCount  int
	ResumeCount int
	Destroyed   bool

	domID    domctl.DomainID
	AltP2M   bool
	views    map[domctl.ViewID]map[libpf.Frame]libpf.Frame
	nextView domctl.ViewID

	// ActiveView is the domain-wide view; VCPUView overrides it per
	// VCPU when an event response switched the view.
	ActiveView   domctl.ViewID
	VCPUView     map[uint32]uint16
	SinglestepOn map[uint32]bool

	MaxMem      uint64
	nextFrame   libpf.Frame
	reserved    map[libpf.Frame]bool
	extraFrames int
	Closed      bool

	mu    sync.Mutex
	queue []func()
}

// New creates a guest with two VCPUs, 64 MiB of reported memory and an
// empty address space.
func New(name string, os vmi.OSType) *Guest {
	return &Guest{
		Name:         name,
		OS:           os,
		VCPUCount:    2,
		PtrWidth:     8,
		BaseMem:      64 << 20,
		MaxMem:       64 << 20,
		mem:          make(map[libpf.Frame]*[libpf.PageSize]byte),
		symbols:      make(map[string]libpf.Address),
		vaMap:        make(map[libpf.Frame]libpf.Frame),
		pids:         make(map[uint64]libpf.PID),
		ssHandlers:   make(map[uint32]vmi.SinglestepHandler),
		memAccess:    make(map[uint16]map[libpf.Frame]vmi.Access),
		domID:        7,
		views:        make(map[domctl.ViewID]map[libpf.Frame]libpf.Frame),
		VCPUView:     make(map[uint32]uint16),
		SinglestepOn: make(map[uint32]bool),
		nextFrame:    0x100000,
		reserved:     make(map[libpf.Frame]bool),
	}
}

// Setup helpers.

// AddSymbol registers a kernel symbol.
func (g *Guest) AddSymbol(name string, va libpf.Address) {
	g.symbols[name] = va
}

// AddPID registers a page-table-base to PID translation.
func (g *Guest) AddPID(dtb uint64, pid libpf.PID) {
	g.pids[dtb] = pid
}

// MapRange maps pages consecutive virtual pages starting at va to
// physical frames starting at frame.
func (g *Guest) MapRange(va libpf.Address, frame libpf.Frame, pages int) {
	vaFrame := libpf.Frame(va >> libpf.PageOffsetBits)
	for i := 0; i < pages; i++ {
		g.vaMap[vaFrame+libpf.Frame(i)] = frame + libpf.Frame(i)
	}
}

// WriteVirt writes through the virtual mapping, for test setup.
func (g *Guest) WriteVirt(va libpf.Address, data []byte) error {
	pa, err := g.TranslateKV2P(va)
	if err != nil {
		return err
	}
	return g.WritePhys(pa, data)
}

// ReadVirt reads through the virtual mapping, for test assertions.
func (g *Guest) ReadVirt(va libpf.Address, n int) ([]byte, error) {
	pa, err := g.TranslateKV2P(va)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err = g.ReadPhys(pa, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ViewFrame reports the frame mapping installed in a view.
func (g *Guest) ViewFrame(view domctl.ViewID, frame libpf.Frame) (libpf.Frame, bool) {
	mapped, ok := g.views[view][frame]
	return mapped, ok
}

// ViewMappings returns the number of frame remappings in a view.
func (g *Guest) ViewMappings(view domctl.ViewID) int {
	return len(g.views[view])
}

// ExtraFrames returns the number of frames currently reserved beyond
// the base memory.
func (g *Guest) ExtraFrames() int {
	return g.extraFrames
}

// MemAccessFor reports the access watch on a frame within a view.
func (g *Guest) MemAccessFor(view uint16, frame libpf.Frame) vmi.Access {
	return g.memAccess[view][frame]
}

func (g *Guest) page(frame libpf.Frame) *[libpf.PageSize]byte {
	p, ok := g.mem[frame]
	if !ok {
		p = new([libpf.PageSize]byte)
		g.mem[frame] = p
	}
	return p
}

// vmi.Guest implementation.

func (g *Guest) Pause() error {
	g.PauseCount++
	return nil
}

func (g *Guest) Resume() error {
	g.ResumeCount++
	return nil
}

func (g *Guest) Destroy() {
	g.Destroyed = true
}

func (g *Guest) NumVCPUs() (uint32, error) {
	return g.VCPUCount, nil
}

func (g *Guest) AddressWidth() (uint8, error) {
	return g.PtrWidth, nil
}

func (g *Guest) MemSize() (uint64, error) {
	return g.BaseMem, nil
}

func (g *Guest) OSType() vmi.OSType {
	return g.OS
}

func (g *Guest) TranslateKSym2V(symbol string) (libpf.Address, error) {
	va, ok := g.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %q", symbol)
	}
	return va, nil
}

func (g *Guest) TranslateKV2P(va libpf.Address) (libpf.PhysAddr, error) {
	frame, ok := g.vaMap[libpf.Frame(va>>libpf.PageOffsetBits)]
	if !ok {
		return 0, fmt.Errorf("no translation for %#x", va)
	}
	return frame.PhysAddr(uint64(va) % libpf.PageSize), nil
}

func (g *Guest) DTBToPID(dtb uint64) (libpf.PID, error) {
	pid, ok := g.pids[dtb]
	if !ok {
		return 0, fmt.Errorf("no process with page-table base %#x", dtb)
	}
	return pid, nil
}

func (g *Guest) ReadPhys(pa libpf.PhysAddr, p []byte) error {
	for i := range p {
		addr := pa + libpf.PhysAddr(i)
		p[i] = g.page(addr.Frame())[addr.Offset()]
	}
	return nil
}

func (g *Guest) WritePhys(pa libpf.PhysAddr, p []byte) error {
	for i := range p {
		addr := pa + libpf.PhysAddr(i)
		g.page(addr.Frame())[addr.Offset()] = p[i]
	}
	return nil
}

func (g *Guest) GetVCPUReg(reg vmi.Reg, vcpu uint32) (uint64, error) {
	switch reg {
	case vmi.RegMSRLstar:
		return uint64(g.LStar), nil
	case vmi.RegRIP:
		return g.Regs[vcpu].RIP, nil
	case vmi.RegRSP:
		return g.Regs[vcpu].RSP, nil
	case vmi.RegCR3:
		return g.Regs[vcpu].CR3, nil
	}
	return 0, fmt.Errorf("unsupported register %d", reg)
}

func (g *Guest) SetVCPUReg(reg vmi.Reg, value uint64, vcpu uint32) error {
	switch reg {
	case vmi.RegRIP:
		g.Regs[vcpu].RIP = value
	case vmi.RegRSP:
		g.Regs[vcpu].RSP = value
	default:
		return fmt.Errorf("unsupported register %d", reg)
	}
	return nil
}

func (g *Guest) RegisterInterruptEvent(h vmi.InterruptHandler) error {
	g.interruptHandler = h
	return nil
}

func (g *Guest) RegisterMemEvent(_ vmi.Access, _ uint16, h vmi.MemHandler) error {
	g.memHandler = h
	return nil
}

func (g *Guest) RegisterSinglestepEvent(vcpu uint32, h vmi.SinglestepHandler) error {
	g.ssHandlers[vcpu] = h
	return nil
}

func (g *Guest) SetMemAccess(frame libpf.Frame, access vmi.Access, view uint16) error {
	watches, ok := g.memAccess[view]
	if !ok {
		watches = make(map[libpf.Frame]vmi.Access)
		g.memAccess[view] = watches
	}
	if access == vmi.AccessNone {
		delete(watches, frame)
		return nil
	}
	watches[frame] = access
	return nil
}

func (g *Guest) ListenEvents(timeout time.Duration) error {
	g.mu.Lock()
	pending := g.queue
	g.queue = nil
	g.mu.Unlock()

	if len(pending) == 0 {
		sleep := time.Millisecond
		if timeout < sleep {
			sleep = timeout
		}
		time.Sleep(sleep)
		return nil
	}
	for _, deliver := range pending {
		deliver()
	}
	return nil
}

// Event injection. Inject* dispatches synchronously to the registered
// handler and applies the returned response; Queue* defers dispatch to
// the next ListenEvents call.

func (g *Guest) applyResponse(vcpu uint32, resp vmi.EventResponse) {
	if resp.Flags&vmi.RespSwitchView != 0 {
		g.VCPUView[vcpu] = resp.View
	}
	if resp.Flags&vmi.RespToggleSinglestep != 0 {
		g.SinglestepOn[vcpu] = !g.SinglestepOn[vcpu]
	}
}

// InjectInterrupt delivers an INT3 event at gla and returns the event
// so callers can inspect the Reinject decision.
func (g *Guest) InjectInterrupt(vcpu uint32, gla libpf.Address) *vmi.InterruptEvent {
	ev := &vmi.InterruptEvent{GLA: gla, VCPU: vcpu, Regs: &g.Regs[vcpu]}
	resp := g.interruptHandler(ev)
	g.applyResponse(vcpu, resp)
	return ev
}

// InjectMemAccess delivers a memory event for a monitored frame.
func (g *Guest) InjectMemAccess(vcpu uint32, frame libpf.Frame, access vmi.Access) {
	ev := &vmi.MemEvent{GFN: frame, Access: access, VCPU: vcpu, Regs: &g.Regs[vcpu]}
	resp := g.memHandler(ev)
	g.applyResponse(vcpu, resp)
}

// InjectSinglestep delivers a step-completion event.
func (g *Guest) InjectSinglestep(vcpu uint32) {
	ev := &vmi.SinglestepEvent{VCPU: vcpu, Regs: &g.Regs[vcpu]}
	resp := g.ssHandlers[vcpu](ev)
	g.applyResponse(vcpu, resp)
}

// QueueInterrupt schedules an interrupt for the next ListenEvents.
func (g *Guest) QueueInterrupt(vcpu uint32, gla libpf.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, func() { g.InjectInterrupt(vcpu, gla) })
}

// domctl.Control implementation.

func (g *Guest) LookupDomain(name string) (domctl.DomainID, error) {
	if name != g.Name {
		return 0, fmt.Errorf("no domain named %q", name)
	}
	return g.domID, nil
}

func (g *Guest) SetAltP2MState(_ domctl.DomainID, enable bool) error {
	g.AltP2M = enable
	return nil
}

func (g *Guest) CreateView(_ domctl.DomainID) (domctl.ViewID, error) {
	if !g.AltP2M {
		return 0, fmt.Errorf("altp2m not enabled")
	}
	g.nextView++
	g.views[g.nextView] = make(map[libpf.Frame]libpf.Frame)
	return g.nextView, nil
}

func (g *Guest) DestroyView(_ domctl.DomainID, view domctl.ViewID) error {
	if _, ok := g.views[view]; !ok {
		return fmt.Errorf("no view %d", view)
	}
	delete(g.views, view)
	return nil
}

func (g *Guest) SwitchView(_ domctl.DomainID, view domctl.ViewID) error {
	if view != domctl.DefaultView {
		if _, ok := g.views[view]; !ok {
			return fmt.Errorf("no view %d", view)
		}
	}
	g.ActiveView = view
	return nil
}

func (g *Guest) ChangeGFN(_ domctl.DomainID, view domctl.ViewID,
	frame, newFrame libpf.Frame) error {
	mappings, ok := g.views[view]
	if !ok {
		return fmt.Errorf("no view %d", view)
	}
	if newFrame == domctl.FrameNone {
		delete(mappings, frame)
		return nil
	}
	mappings[frame] = newFrame
	return nil
}

func (g *Guest) SetMaxMem(_ domctl.DomainID, bytes uint64) error {
	g.MaxMem = bytes
	return nil
}

func (g *Guest) IncreaseReservation(_ domctl.DomainID) (libpf.Frame, error) {
	if g.BaseMem+uint64(g.extraFrames+1)*libpf.PageSize > g.MaxMem {
		return 0, fmt.Errorf("reservation would exceed maxmem %#x", g.MaxMem)
	}
	frame := g.nextFrame
	g.nextFrame++
	g.reserved[frame] = true
	g.extraFrames++
	return frame, nil
}

func (g *Guest) PopulatePhysmap(_ domctl.DomainID, frame libpf.Frame) (libpf.Frame, error) {
	if !g.reserved[frame] {
		return 0, fmt.Errorf("frame %#x not reserved", frame)
	}
	g.mem[frame] = new([libpf.PageSize]byte)
	return frame, nil
}

func (g *Guest) DecreaseReservation(_ domctl.DomainID, frame libpf.Frame) error {
	if !g.reserved[frame] {
		return fmt.Errorf("frame %#x not reserved", frame)
	}
	delete(g.reserved, frame)
	delete(g.mem, frame)
	g.extraFrames--
	return nil
}

func (g *Guest) Close() error {
	g.Closed = true
	return nil
}
