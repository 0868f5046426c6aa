// Package calibration records the reference z-stack and fits the linear
// relation between the correlation peak ratio and stage z.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"nanodriftguard/internal/models"
	"nanodriftguard/pkg/hardware"
	"nanodriftguard/pkg/registration"
)

// ErrDegenerateFit is returned when the sweep samples cannot define a line
var ErrDegenerateFit = errors.New("degenerate z calibration fit")

// OffsetStrategy decides the constant that makes z read zero at the
// reference position.
type OffsetStrategy interface {
	Name() string
	Offset(slope, intercept float64, positions, ratios []float64, refPos float64) float64
}

// FittedOffset zeroes the fitted line at the reference position
type FittedOffset struct{}

func (FittedOffset) Name() string { return "fitted" }

func (FittedOffset) Offset(slope, intercept float64, positions, ratios []float64, refPos float64) float64 {
	return -intercept/slope - refPos
}

// MeasuredOffset zeroes the measured ratio of the sample closest to the
// reference position. It absorbs the curvature the linear fit cannot.
type MeasuredOffset struct{}

func (MeasuredOffset) Name() string { return "measured" }

func (MeasuredOffset) Offset(slope, intercept float64, positions, ratios []float64, refPos float64) float64 {
	best := 0
	for i, p := range positions {
		if math.Abs(p-refPos) < math.Abs(positions[best]-refPos) {
			best = i
		}
	}
	return -ratios[best] / slope
}

// StrategyByName resolves a configured strategy name
func StrategyByName(name string) (OffsetStrategy, error) {
	switch name {
	case "", "fitted":
		return FittedOffset{}, nil
	case "measured":
		return MeasuredOffset{}, nil
	}
	return nil, fmt.Errorf("unknown offset strategy %q", name)
}

// StackPositions returns count absolute z positions spaced by step and
// centred on center. The middle sample of an odd count equals center.
func StackPositions(center, step float64, count int) []float64 {
	out := make([]float64, count)
	half := float64(count-1) / 2
	for i := range out {
		out[i] = center + (float64(i)-half)*step
	}
	return out
}

// SweepOptions configures the reference stack acquisition
type SweepOptions struct {
	// Averaging is the number of frames averaged per plane
	Averaging int

	SettlePoll    time.Duration
	SettleTimeout time.Duration
}

// Sweep moves the stage through the absolute z positions and acquires an
// averaged frame at each plane. The start position is restored before
// returning, also on failure.
func Sweep(ctx context.Context, cam hardware.Camera, stage hardware.Stage, positions []float64, opts SweepOptions) (stack []models.Frame, err error) {
	start, err := stage.Position(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read start position: %w", err)
	}
	defer func() {
		// restore even when ctx is already cancelled
		rctx := context.WithoutCancel(ctx)
		if rerr := stage.MoveTo(rctx, start); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore start position: %w", rerr))
			return
		}
		if rerr := hardware.WaitSettled(rctx, stage, opts.SettlePoll, opts.SettleTimeout); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	stack = make([]models.Frame, 0, len(positions))
	for i, z := range positions {
		target := models.Vec3{X: start.X, Y: start.Y, Z: z}
		if err := stage.MoveTo(ctx, target); err != nil {
			return nil, fmt.Errorf("failed to move to plane %d: %w", i, err)
		}
		if err := hardware.WaitSettled(ctx, stage, opts.SettlePoll, opts.SettleTimeout); err != nil {
			return nil, fmt.Errorf("plane %d: %w", i, err)
		}
		frame, err := hardware.AcquireAveraged(ctx, cam, opts.Averaging)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire plane %d: %w", i, err)
		}
		stack = append(stack, frame)
		log.Printf("Acquired reference plane %d/%d at z=%.3f µm", i+1, len(positions), z)
	}
	return stack, nil
}

// Result is the outcome of a full calibration run
type Result struct {
	Calibration models.ZCalibration

	// Stack is the recorded z-stack in position order
	Stack []models.Frame

	// References is the (mid, far, near) selection the session was initialized with
	References []models.Frame
}

// Calibrate records a z-stack, initializes sess with its references and
// fits the peak ratio of every stack plane against its position.
func Calibrate(ctx context.Context, sess *registration.Session, cam hardware.Camera, stage hardware.Stage,
	positions []float64, align models.AlignCalibration, strategy OffsetStrategy, opts SweepOptions) (Result, error) {
	stack, err := Sweep(ctx, cam, stage, positions, opts)
	if err != nil {
		return Result{}, err
	}
	refs, err := models.SelectReferences(stack)
	if err != nil {
		return Result{}, err
	}
	if err := sess.Init(refs, align); err != nil {
		return Result{}, err
	}

	ratios := make([]float64, len(stack))
	for i, frame := range stack {
		m, err := sess.Measure(frame)
		if err != nil {
			return Result{}, fmt.Errorf("failed to measure plane %d: %w", i, err)
		}
		ratios[i] = m.Ratio
	}

	refPos := positions[len(positions)/2]
	cal, err := Fit(positions, ratios, refPos, strategy)
	if err != nil {
		return Result{}, err
	}
	log.Printf("Z calibration: slope=%.6f /µm intercept=%.6f offset=%.4f µm (%s)",
		cal.Slope, cal.Intercept, cal.Offset, cal.Strategy)
	return Result{Calibration: cal, Stack: stack, References: refs}, nil
}

// Fit performs the least-squares fit of ratio against position
func Fit(positions, ratios []float64, refPos float64, strategy OffsetStrategy) (models.ZCalibration, error) {
	if len(positions) != len(ratios) {
		return models.ZCalibration{}, fmt.Errorf("%w: %d positions but %d ratios", ErrDegenerateFit, len(positions), len(ratios))
	}
	if len(positions) < 2 {
		return models.ZCalibration{}, fmt.Errorf("%w: need at least 2 samples, got %d", ErrDegenerateFit, len(positions))
	}
	for i, r := range ratios {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return models.ZCalibration{}, fmt.Errorf("%w: ratio %d is not finite", ErrDegenerateFit, i)
		}
	}
	if strategy == nil {
		strategy = FittedOffset{}
	}

	intercept, slope := stat.LinearRegression(positions, ratios, nil, false)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return models.ZCalibration{}, fmt.Errorf("%w: slope %v", ErrDegenerateFit, slope)
	}

	return models.ZCalibration{
		Slope:             slope,
		Intercept:         intercept,
		Offset:            strategy.Offset(slope, intercept, positions, ratios, refPos),
		ReferencePosition: refPos,
		Strategy:          strategy.Name(),
		Positions:         append([]float64(nil), positions...),
		Ratios:            append([]float64(nil), ratios...),
	}, nil
}

// Save writes a calibration as YAML
func Save(path string, cal models.ZCalibration) error {
	data, err := yaml.Marshal(&cal)
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

// Load reads a calibration written by Save
func Load(path string) (models.ZCalibration, error) {
	var cal models.ZCalibration
	data, err := os.ReadFile(path)
	if err != nil {
		return cal, fmt.Errorf("failed to read calibration file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return cal, fmt.Errorf("failed to parse calibration file: %w", err)
	}
	if cal.Slope == 0 || math.IsNaN(cal.Slope) {
		return cal, fmt.Errorf("%w: stored slope %v", ErrDegenerateFit, cal.Slope)
	}
	return cal, nil
}
