// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/slatrace/slatrace/tracer"

import "errors"

var (
	// ErrTranslation indicates that a kernel virtual address could not
	// be translated to a guest physical address.
	ErrTranslation = errors.New("address translation failed")

	// ErrUnknownSymbol indicates that a kernel symbol could not be
	// resolved to a virtual address.
	ErrUnknownSymbol = errors.New("unknown kernel symbol")

	// ErrAllocation indicates that growing the guest's frame
	// reservation for a shadow page failed.
	ErrAllocation = errors.New("shadow frame allocation failed")
)
