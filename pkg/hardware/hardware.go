// Package hardware describes the camera and stage collaborators of the
// stabilization loop, and the acquisition helpers shared by calibration
// and the control loop.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/floats"

	"nanodriftguard/internal/models"
)

// ErrHardware wraps every camera or stage communication failure
var ErrHardware = errors.New("hardware error")

// Camera is a frame source with fixed, pre-agreed dimensions.
// Acquire blocks until a frame arrives or the source's frame timeout expires.
type Camera interface {
	Open(ctx context.Context) error
	Close() error
	Size() (rows, cols int)
	Acquire(ctx context.Context) (models.Frame, error)
}

// Stage is a three-axis nanopositioner addressed in absolute micrometers
type Stage interface {
	Connect(ctx context.Context) error
	Close() error
	MoveTo(ctx context.Context, target models.Vec3) error
	Position(ctx context.Context) (models.Vec3, error)
	Moving(ctx context.Context) (bool, error)
}

// Retry calls fn up to attempts times, doubling the delay after each
// failure starting from base. It stops early when ctx is done.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		log.Printf("Attempt %d/%d failed: %v; retrying in %v", i+1, attempts, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// AcquireAveraged returns the pixel mean of n consecutive frames
func AcquireAveraged(ctx context.Context, cam Camera, n int) (models.Frame, error) {
	if n < 1 {
		n = 1
	}
	first, err := cam.Acquire(ctx)
	if err != nil {
		return models.Frame{}, err
	}
	if n == 1 {
		return first, nil
	}
	sum := first.Clone()
	for i := 1; i < n; i++ {
		f, err := cam.Acquire(ctx)
		if err != nil {
			return models.Frame{}, err
		}
		if !f.SameSize(sum) {
			return models.Frame{}, fmt.Errorf("%w: frame size changed to %dx%d during averaging", ErrHardware, f.Rows, f.Cols)
		}
		floats.Add(sum.Data, f.Data)
	}
	floats.Scale(1/float64(n), sum.Data)
	return sum, nil
}

// WaitSettled polls the stage until it reports no motion. A stage still
// moving after timeout is a hardware error.
func WaitSettled(ctx context.Context, stage Stage, poll, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		moving, err := stage.Moving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: stage did not settle within %v", ErrHardware, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
