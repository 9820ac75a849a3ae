// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/slatrace/slatrace/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/guestos"
	"github.com/slatrace/slatrace/periodiccaller"
	"github.com/slatrace/slatrace/times"
	"github.com/slatrace/slatrace/tracer"
	"github.com/slatrace/slatrace/vmi"
)

// Compile time check to make sure times.Times satisfies the interface.
var _ tracer.Intervals = (*times.Times)(nil)

// Controller connects the engine to a guest, attaches the callback
// table and runs the event loop until the context is canceled.
type Controller struct {
	config *Config
	tracer *tracer.Tracer
}

// New creates a new controller. There should only ever be one per
// traced guest.
func New(cfg *Config) *Controller {
	return &Controller{config: cfg}
}

// Run traces the guest until ctx is canceled, then removes the
// instrumentation. The returned error is non-nil when setup or the
// event loop failed, or when any teardown step failed.
func (c *Controller) Run(ctx context.Context) error {
	guest := c.config.Guest
	if guest == nil {
		var err error
		if guest, err = vmi.NewGuest(c.config.GuestName); err != nil {
			return fmt.Errorf("failed to connect to guest %s: %w",
				c.config.GuestName, err)
		}
	}

	ctl := c.config.Control
	if ctl == nil {
		var err error
		if ctl, err = domctl.Open(); err != nil {
			return fmt.Errorf("failed to open hypervisor control: %w", err)
		}
	}

	intervals := times.New(c.config.EventPollTimeout, c.config.MonitorInterval)

	trc, err := tracer.NewTracer(&tracer.Config{
		GuestName: c.config.GuestName,
		Guest:     guest,
		Control:   ctl,
		Intervals: intervals,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracer: %w", err)
	}
	c.tracer = trc
	log.Infof("Tracing guest %s (%s)", c.config.GuestName, guest.OSType())

	table := filterCallbacks(trc.Adapter().Callbacks(), c.config.SyscallFilter)
	attached := trc.AttachSyscallCbs(table)
	if attached == 0 {
		return errors.Join(
			errors.New("no system-call callbacks could be attached"),
			c.shutdown())
	}
	log.Infof("Attached %d of %d system-call callbacks", attached, len(table))

	stopStats := periodiccaller.Start(ctx, intervals.MonitorInterval(), func() {
		stats := trc.Stats()
		log.Debugf("%d page records, %d breakpoints, %d calls in flight",
			stats.PageRecords, stats.Breakpoints, stats.CallsInFlight)
	})
	defer stopStats()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return trc.Run(loopCtx)
	})
	g.Go(func() error {
		<-loopCtx.Done()
		trc.Interrupt()
		return nil
	})
	runErr := g.Wait()

	return errors.Join(runErr, c.shutdown())
}

// shutdown removes the guest instrumentation and releases hypervisor
// resources. Failures are teardown warnings: logged, aggregated, and
// never abort the remaining steps.
func (c *Controller) shutdown() error {
	var errs []error
	if err := c.tracer.Quit(); err != nil {
		log.Warnf("Teardown: %v", err)
		errs = append(errs, err)
	}
	if err := c.tracer.Free(); err != nil {
		log.Warnf("Teardown: %v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// filterCallbacks restricts the callback table to the comma-separated
// names in filter; an empty filter keeps the full table.
func filterCallbacks(table []guestos.SyscallCallback,
	filter string) []guestos.SyscallCallback {
	if filter == "" {
		return table
	}
	want := make(map[string]bool)
	for _, name := range strings.Split(filter, ",") {
		if name = strings.TrimSpace(name); name != "" {
			want[name] = true
		}
	}
	out := make([]guestos.SyscallCallback, 0, len(want))
	for _, cb := range table {
		if want[cb.Name] {
			out = append(out, cb)
		}
	}
	return out
}
