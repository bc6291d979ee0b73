// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
)

// Config configures the periodic bulk triggers. A zero interval disables
// the trigger.
type Config struct {
	AcquisitionInterval time.Duration `help:"how often to check every study for new scans, 0 disables" releaseDefault:"24h" devDefault:"0s" testDefault:"0s"`
	ConversionInterval  time.Duration `help:"how often to convert new scans of every study, 0 disables" releaseDefault:"24h" devDefault:"0s" testDefault:"0s"`
	ArchivalInterval    time.Duration `help:"how often to archive every study, 0 disables" releaseDefault:"168h" devDefault:"0s" testDefault:"0s"`
	CorrectionInterval  time.Duration `help:"how often to run gradient correction on every study, 0 disables" default:"0s"`
}

// Chore runs the bulk triggers periodically.
//
// architecture: Chore
type Chore struct {
	log     *zap.Logger
	trigger *Trigger
	loops   map[Kind]*sync2.Cycle
}

// NewChore creates a chore with a cycle for every enabled trigger.
func NewChore(log *zap.Logger, trigger *Trigger, config Config) *Chore {
	intervals := map[Kind]time.Duration{
		Acquisition: config.AcquisitionInterval,
		Conversion:  config.ConversionInterval,
		Archival:    config.ArchivalInterval,
		Correction:  config.CorrectionInterval,
	}

	loops := map[Kind]*sync2.Cycle{}
	for kind, interval := range intervals {
		if interval > 0 {
			loops[kind] = sync2.NewCycle(interval)
		}
	}
	return &Chore{log: log, trigger: trigger, loops: loops}
}

// Run runs every enabled trigger until ctx is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	for kind, loop := range chore.loops {
		kind, loop := kind, loop
		group.Go(func() error {
			return loop.Run(ctx, func(ctx context.Context) error {
				if _, err := chore.trigger.TriggerAll(ctx, kind, 0); err != nil {
					chore.log.Error("bulk trigger failed", zap.String("kind", string(kind)), zap.Error(err))
				}
				return nil
			})
		})
	}
	return group.Wait()
}

// Close stops every cycle.
func (chore *Chore) Close() error {
	for _, loop := range chore.loops {
		loop.Close()
	}
	return nil
}
