// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package domctl abstracts the hypervisor control channel used to
// manage alternate second-level address translation (alt-p2m) views and
// the guest's physical-frame reservation.
package domctl // import "github.com/slatrace/slatrace/domctl"

import (
	"errors"

	"github.com/slatrace/slatrace/libpf"
)

// DomainID identifies a guest domain on the hypervisor.
type DomainID uint32

// ViewID identifies an alt-p2m view of a domain.
type ViewID uint16

// DefaultView is the unmodified view every domain starts with.
const DefaultView ViewID = 0

// FrameNone removes a frame mapping when passed to ChangeGFN.
const FrameNone = ^libpf.Frame(0)

// ErrNoBackend is returned by Open when the binary was built without a
// hypervisor control backend.
var ErrNoBackend = errors.New("no hypervisor control backend available")

// Control is a handle to the hypervisor's domain-control interface.
type Control interface {
	// LookupDomain resolves a guest name to its domain ID.
	LookupDomain(name string) (DomainID, error)

	SetAltP2MState(dom DomainID, enable bool) error
	CreateView(dom DomainID) (ViewID, error)
	DestroyView(dom DomainID, view ViewID) error
	// SwitchView changes the domain-wide active view.
	SwitchView(dom DomainID, view ViewID) error
	// ChangeGFN maps frame to newFrame within the view, or removes the
	// mapping when newFrame is FrameNone.
	ChangeGFN(dom DomainID, view ViewID, frame, newFrame libpf.Frame) error

	// SetMaxMem sets the domain's maximum reservation in bytes.
	SetMaxMem(dom DomainID, bytes uint64) error
	// IncreaseReservation reserves exactly one new frame and returns its
	// frame number.
	IncreaseReservation(dom DomainID) (libpf.Frame, error)
	// PopulatePhysmap backs a reserved frame with zero-filled memory.
	// The hypervisor may relocate the frame; the frame number actually
	// populated is returned.
	PopulatePhysmap(dom DomainID, frame libpf.Frame) (libpf.Frame, error)
	// DecreaseReservation releases exactly one frame.
	DecreaseReservation(dom DomainID, frame libpf.Frame) error

	Close() error
}
