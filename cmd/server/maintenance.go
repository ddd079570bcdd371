package main

import (
	"context"
	"log"
	"time"

	"realmkeeper.ai/internal/config"
	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/lifecycle"
)

// runMaintenance fires the daily pass at cfg.MaintenanceAt (UTC) until ctx
// ends.
func runMaintenance(ctx context.Context, cfg config.Config, rt *runtime, logger *log.Logger) {
	for {
		next := cfg.NextMaintenance(time.Now())
		logger.Printf("next maintenance at %s", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		rep, err := maintainOnce(ctx, rt)
		if err != nil {
			logger.Printf("maintenance: %v", err)
			continue
		}
		logger.Printf("maintenance rotated=%d archived=%d failed=%d", rep.Rotated, len(rep.Archived), len(rep.Failed))
	}
}

func maintainOnce(ctx context.Context, rt *runtime) (lifecycle.MaintenanceReport, error) {
	return awaitOnLoop(ctx, rt.loop, func() *control.Future[lifecycle.MaintenanceReport] {
		return rt.life.DailyMaintenance(ctx)
	})
}

// awaitOnLoop starts an operation on the control loop and waits for its
// future off the loop.
func awaitOnLoop[T any](ctx context.Context, loop *control.Loop, start func() *control.Future[T]) (T, error) {
	var fut *control.Future[T]
	if err := loop.Call(ctx, func() error {
		fut = start()
		return nil
	}); err != nil {
		var zero T
		return zero, err
	}
	return fut.Wait(ctx)
}

// onLoop runs fn on the control loop and returns its result.
func onLoop[T any](ctx context.Context, loop *control.Loop, fn func() (T, error)) (T, error) {
	var v T
	err := loop.Call(ctx, func() error {
		var err error
		v, err = fn()
		return err
	})
	return v, err
}
