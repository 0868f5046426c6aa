// Package stabilizer runs the closed drift-correction loop: acquire,
// register, compute the PID target, command the stage, wait for it to
// settle and record the cycle.
package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"nanodriftguard/internal/models"
	"nanodriftguard/pkg/hardware"
	"nanodriftguard/pkg/history"
	"nanodriftguard/pkg/pid"
	"nanodriftguard/pkg/preview"
	"nanodriftguard/pkg/registration"
	"nanodriftguard/pkg/telemetry"
)

// Options holds the loop timing
type Options struct {
	Averaging     int
	SettlePoll    time.Duration
	SettleTimeout time.Duration

	// MaxCycles stops the loop after that many cycles; zero runs until ctx is done
	MaxCycles int

	// Interval is the minimum time between cycle starts
	Interval time.Duration
}

// Loop wires the session to the hardware. Session must be initialized
// with references recorded on Camera. History, Autosave and Telemetry are
// optional.
type Loop struct {
	Session     *registration.Session
	Camera      hardware.Camera
	Stage       hardware.Stage
	Calibration models.ZCalibration
	Controller  *pid.Vector
	Options     Options

	History    *history.Recorder
	StatusPath string
	Autosave   *preview.Autosaver
	Telemetry  *telemetry.Publisher
}

// Cycle is the outcome of one loop pass
type Cycle struct {
	Index      int
	Drift      models.Vec3
	Target     models.Vec3
	Position   models.Vec3
	FPS        float64
	Image      string
	ZHeld      bool
	Degenerate bool
}

// Run drives the loop until ctx is done or MaxCycles is reached, in which
// case the stage is left at its last target and nil is returned. Any
// other failure commands the stage back to the position it had when Run
// started before returning the error. Camera and stage are closed on
// every exit path.
func (l *Loop) Run(ctx context.Context) error {
	if l.Session == nil || !l.Session.Initialized() {
		l.release()
		return registration.ErrNotInitialized
	}
	if l.Controller == nil {
		l.Controller = pid.NewVector(pid.Gains{}, pid.Gains{}, pid.Gains{})
	}

	initial, err := l.Stage.Position(ctx)
	if err != nil {
		l.release()
		return fmt.Errorf("failed to read initial position: %w", err)
	}
	target := initial
	log.Printf("Stabilizing from (%.4f, %.4f, %.4f) µm", initial.X, initial.Y, initial.Z)

	for n := 1; l.Options.MaxCycles == 0 || n <= l.Options.MaxCycles; n++ {
		started := time.Now()
		c, err := l.cycle(ctx, n, target, started)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return l.abort(initial, n, err)
		}
		target = c.Target

		if l.Options.Interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Until(started.Add(l.Options.Interval))):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	log.Printf("Stabilizer stopped at target (%.4f, %.4f, %.4f) µm", target.X, target.Y, target.Z)
	l.release()
	return nil
}

func (l *Loop) cycle(ctx context.Context, n int, target models.Vec3, started time.Time) (Cycle, error) {
	frame, err := hardware.AcquireAveraged(ctx, l.Camera, l.Options.Averaging)
	if err != nil {
		return Cycle{}, fmt.Errorf("acquire: %w", err)
	}

	c := Cycle{Index: n}
	d, err := l.Session.Register(frame, l.Calibration.Slope)
	switch {
	case err == nil:
	case errors.Is(err, registration.ErrNumeric):
		c.ZHeld = true
		c.Degenerate = d.Degenerate
	default:
		return Cycle{}, fmt.Errorf("register: %w", err)
	}

	c.Drift = models.Vec3{X: d.X, Y: d.Y, Z: d.Z + l.Calibration.Offset}
	if c.ZHeld {
		c.Drift.Z = math.NaN()
	}

	if c.Degenerate {
		// nothing to correct against
		c.Target = target
	} else {
		c.Target = l.Controller.Next(target, c.Drift, c.ZHeld)
	}

	if err := l.Stage.MoveTo(ctx, c.Target); err != nil {
		return Cycle{}, fmt.Errorf("move: %w", err)
	}
	if err := hardware.WaitSettled(ctx, l.Stage, l.Options.SettlePoll, l.Options.SettleTimeout); err != nil {
		return Cycle{}, err
	}
	if c.Position, err = l.Stage.Position(ctx); err != nil {
		return Cycle{}, fmt.Errorf("read position: %w", err)
	}

	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		c.FPS = 1 / elapsed
	}
	if l.Autosave != nil {
		if c.Image, err = l.Autosave.Offer(frame); err != nil {
			log.Printf("Autosave failed: %v", err)
		}
	}
	return c, l.record(c)
}

// record writes the history row and status snapshot, then publishes telemetry
func (l *Loop) record(c Cycle) error {
	now := time.Now()
	var std models.Vec3
	if l.History != nil {
		var err error
		std, err = l.History.Append(history.Row{
			Time: now, Drift: c.Drift, FPS: c.FPS, Image: c.Image, Target: c.Target, Position: c.Position,
		})
		if err != nil {
			return err
		}
	}
	if l.StatusPath != "" {
		err := history.WriteStatus(l.StatusPath, history.Status{
			Time: now, Cycle: c.Index, Drift: c.Drift, Std: std, Target: c.Target, Position: c.Position,
			FPS: c.FPS, Image: c.Image, ZHeld: c.ZHeld, Degenerate: c.Degenerate,
		})
		if err != nil {
			return err
		}
	}
	if l.Telemetry.Enabled() {
		drift := c.Drift
		if c.ZHeld {
			// NaN is not valid JSON
			drift.Z = 0
		}
		err := l.Telemetry.Publish(telemetry.Snapshot{
			Cycle: c.Index, Drift: drift, Std: std, Target: c.Target, Position: c.Position,
			FPS: c.FPS, ZHeld: c.ZHeld, Degenerate: c.Degenerate, Timestamp: now.Unix(),
		})
		if err != nil {
			log.Printf("Telemetry publish failed: %v", err)
		}
	}
	if c.ZHeld {
		log.Printf("Cycle %d: z held, drift (%.4f, %.4f) µm", c.Index, c.Drift.X, c.Drift.Y)
	}
	return nil
}

// abort returns the stage to the initial target and releases the hardware
func (l *Loop) abort(initial models.Vec3, n int, cause error) error {
	log.Printf("Cycle %d failed: %v; returning stage to initial position", n, cause)
	err := fmt.Errorf("cycle %d: %w", n, cause)
	if merr := l.Stage.MoveTo(context.Background(), initial); merr != nil {
		err = errors.Join(err, fmt.Errorf("safety return failed: %w", merr))
	}
	l.release()
	return err
}

func (l *Loop) release() {
	if l.Camera != nil {
		if err := l.Camera.Close(); err != nil {
			log.Printf("Failed to close camera: %v", err)
		}
	}
	if l.Stage != nil {
		if err := l.Stage.Close(); err != nil {
			log.Printf("Failed to close stage: %v", err)
		}
	}
}
