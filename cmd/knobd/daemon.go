package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"knobd/encoder"
	"knobd/gpio"
)

// ============================================================================
// Daemon loop
// ============================================================================
// runDaemon is the single owner of the encoder tracker. Nothing else touches
// it: edge events, decay ticks and IPC actions are all serialized through
// this goroutine, which keeps the tracker's single-owner contract without
// locks on the hot path.
// ============================================================================

type daemon struct {
	tracker *encoder.Tracker
	logger  *slog.Logger

	sensitivity string
	steps       int64

	// Velocity broadcast coalescing (latest value wins, floor always sent).
	lastSentVelocity float64
	lastVelocityAt   time.Time

	// Edge clock state. The tracker requires non-decreasing millisecond
	// timestamps, so events without a kernel timestamp are projected onto
	// the kernel's boot-relative clock (see edgeClockMS).
	started     time.Time
	clockOffset uint64
	lastEdgeMS  uint64
}

func newDaemon(tracker *encoder.Tracker, sensitivity string, logger *slog.Logger) *daemon {
	return &daemon{
		tracker:     tracker,
		logger:      logger,
		sensitivity: sensitivity,
		started:     time.Now(),
	}
}

// edgeClockMS maps an edge event onto the single millisecond clock fed to
// the tracker. Kernel timestamps (monotonic ns since boot) are authoritative;
// each one re-anchors the offset between boot time and daemon uptime, and
// events without a timestamp (synthetic, test-injected) are stamped from
// uptime plus that offset so both paths share one base. The final clamp
// absorbs sub-millisecond rounding between the two clocks, keeping the
// sequence non-decreasing.
func (d *daemon) edgeClockMS(ev gpio.Event) uint64 {
	elapsed := uint64(time.Since(d.started) / time.Millisecond)

	var nowMS uint64
	if ev.TimestampNS != 0 {
		nowMS = ev.TimestampNS / uint64(time.Millisecond)
		d.clockOffset = nowMS - elapsed // modular; resolved on the next add
	} else {
		nowMS = elapsed + d.clockOffset
	}

	if nowMS < d.lastEdgeMS {
		nowMS = d.lastEdgeMS
	}
	d.lastEdgeMS = nowMS
	return nowMS
}

// handleEdge feeds one pin edge into the tracker. nowMS is the event
// timestamp in milliseconds on a monotonic clock (the kernel edge timestamp
// when available).
func (d *daemon) handleEdge(nowMS uint64) []wsOutboundEvent {
	d.tracker.Update(nowMS)

	dir := d.tracker.Direction()
	if dir == encoder.DirectionNone {
		return nil
	}

	if dir == encoder.DirectionClockwise {
		d.steps++
	} else {
		d.steps--
	}

	vel := d.tracker.Velocity()
	d.logger.Debug("detent", "direction", dir.String(), "velocity", vel, "steps", d.steps)

	// A direction event carries the current velocity, so it also refreshes
	// the coalescing state.
	d.lastSentVelocity = vel
	d.lastVelocityAt = time.Now()

	return []wsOutboundEvent{{
		Type: "direction",
		Data: wsDirectionData{Direction: dir.String(), Velocity: vel, Steps: d.steps},
	}}
}

// handleDecayTick cools the velocity down and emits a coalesced velocity
// broadcast when the value changed.
func (d *daemon) handleDecayTick(now time.Time) []wsOutboundEvent {
	d.tracker.DecayVelocity()

	vel := d.tracker.Velocity()
	if vel == d.lastSentVelocity {
		return nil
	}

	// Intermediate values are rate-limited; the drop to zero always goes
	// out so clients see the knob settle.
	if vel != 0 && now.Sub(d.lastVelocityAt) < velocityCoalesceWindow {
		return nil
	}

	d.lastSentVelocity = vel
	d.lastVelocityAt = now

	return []wsOutboundEvent{{
		Type: "velocity",
		Data: wsVelocityData{Velocity: vel},
	}}
}

// handleAction applies one runtime command to the tracker.
func (d *daemon) handleAction(act Action) []wsOutboundEvent {
	switch a := act.(type) {
	case SetSensitivity:
		level, err := parseSensitivity(a.Level)
		if err != nil {
			d.logger.Warn("ignoring invalid sensitivity", "level", a.Level, "error", err)
			return nil
		}
		d.tracker.SetSensitivity(level)
		d.sensitivity = a.Level
		d.logger.Info("sensitivity changed", "level", a.Level)
		return []wsOutboundEvent{{
			Type: "sensitivity_changed",
			Data: wsSensitivityData{Sensitivity: a.Level},
		}}

	case SetVelocityTuning:
		if a.IncFactor != 0 {
			d.tracker.SetVelocityIncFactor(a.IncFactor)
		}
		if a.DecFactor != 0 {
			d.tracker.SetVelocityDecFactor(a.DecFactor)
		}
		if a.ActionMS != 0 {
			d.tracker.SetVelocityActionMS(a.ActionMS)
		}
		d.logger.Info("velocity tuning changed",
			"inc_factor", a.IncFactor, "dec_factor", a.DecFactor, "action_ms", a.ActionMS)
		return nil

	case ResetSteps:
		d.steps = 0
		d.logger.Info("step counter reset")
		return []wsOutboundEvent{{
			Type: "direction",
			Data: wsDirectionData{
				Direction: encoder.DirectionNone.String(),
				Velocity:  d.tracker.Velocity(),
				Steps:     0,
			},
		}}

	case RequestSnapshot:
		select {
		case a.Reply <- d.snapshot():
		default:
			// Requester gave up; drop the snapshot.
		}
		return nil

	default:
		d.logger.Warn("unknown action type", "type", fmt.Sprintf("%T", act))
		return nil
	}
}

func (d *daemon) snapshot() Snapshot {
	return Snapshot{
		Direction:   d.tracker.Direction().String(),
		Velocity:    d.tracker.Velocity(),
		Steps:       d.steps,
		Sensitivity: d.sensitivity,
	}
}

// run processes edge events, decay ticks and actions until ctx is canceled
// or the edge source fails.
func (d *daemon) run(
	ctx context.Context,
	edges <-chan gpio.Event,
	readErr <-chan error,
	actions <-chan Action,
	decayHz int,
	hub *Hub,
) error {
	ticker := time.NewTicker(time.Second / time.Duration(decayHz))
	defer ticker.Stop()

	broadcast := func(events []wsOutboundEvent) {
		for _, ev := range events {
			msg, err := marshalOutbound(ev)
			if err != nil {
				d.logger.Warn("marshal broadcast failed", "type", ev.Type, "error", err)
				continue
			}
			hub.BroadcastBytes(msg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon loop stopping (context canceled)")
			return nil

		case err := <-readErr:
			d.logger.Error("edge watcher stopped", "error", err)
			return err

		case ev := <-edges:
			broadcast(d.handleEdge(d.edgeClockMS(ev)))

		case now := <-ticker.C:
			broadcast(d.handleDecayTick(now))

		case act := <-actions:
			broadcast(d.handleAction(act))
		}
	}
}
