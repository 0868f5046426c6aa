package stabilizer

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanodriftguard/internal/models"
	"nanodriftguard/pkg/calibration"
	"nanodriftguard/pkg/hardware"
	"nanodriftguard/pkg/hardware/sim"
	"nanodriftguard/pkg/history"
	"nanodriftguard/pkg/pid"
	"nanodriftguard/pkg/preview"
	"nanodriftguard/pkg/registration"
)

var (
	start   = models.Vec3{X: 50, Y: 50, Z: 50}
	lateral = pid.Gains{Kp: 0.2, Ki: 0.6, OutputLimit: 1}
	axial   = pid.Gains{Kp: 0.1, Ki: 0.4, OutputLimit: 0.5}
)

type rig struct {
	cam   *sim.Camera
	stage *sim.Stage
	sess  *registration.Session
	cal   models.ZCalibration
	opts  Options
}

// newRig calibrates a simulated setup drifting at rate per frame
func newRig(t *testing.T, rate models.Vec3) *rig {
	ctx := context.Background()
	stage := sim.NewStage(start)
	stage.SettlePolls = 1
	require.NoError(t, stage.Connect(ctx))
	optics := sim.DefaultOptics()
	cam := sim.NewCamera(stage, optics, sim.Drift{Rate: rate}, start)
	require.NoError(t, cam.Open(ctx))

	sweep := calibration.SweepOptions{Averaging: 1, SettlePoll: time.Millisecond, SettleTimeout: time.Second}
	align := models.AlignCalibration{Usfac: 20, Ample: optics.Ample, Angle: optics.Angle}
	sess := &registration.Session{}
	res, err := calibration.Calibrate(ctx, sess, cam, stage, calibration.StackPositions(start.Z, 0.5, 5), align,
		calibration.MeasuredOffset{}, sweep)
	require.NoError(t, err)

	return &rig{
		cam:   cam,
		stage: stage,
		sess:  sess,
		cal:   res.Calibration,
		opts:  Options{Averaging: 1, SettlePoll: time.Millisecond, SettleTimeout: time.Second},
	}
}

func (r *rig) loop(cycles int) *Loop {
	opts := r.opts
	opts.MaxCycles = cycles
	return &Loop{
		Session:     r.sess,
		Camera:      r.cam,
		Stage:       r.stage,
		Calibration: r.cal,
		Controller:  pid.NewVector(lateral, lateral, axial),
		Options:     opts,
	}
}

func TestRunCompensatesLateralDrift(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping closed-loop simulation in short mode")
	}
	rate := models.Vec3{X: 0.004, Y: -0.003}
	r := newRig(t, rate)

	require.NoError(t, r.loop(40).Run(context.Background()))

	residual := r.cam.Offset()
	uncorrected := rate.Scale(float64(r.cam.Frames()))
	assert.Less(t, math.Abs(residual.X), 0.03, "uncorrected drift would be %.3f", uncorrected.X)
	assert.Less(t, math.Abs(residual.Y), 0.03, "uncorrected drift would be %.3f", uncorrected.Y)
	assert.Less(t, math.Abs(residual.Z), 0.2)

	moves := r.stage.Moves()
	last := moves[len(moves)-1]
	assert.Less(t, last.X, start.X, "stage is driven against the drift")
	assert.Greater(t, last.Y, start.Y)

	assert.False(t, r.cam.IsOpen())
	assert.False(t, r.stage.Connected())
}

func TestRunSafetyReturnOnStageFault(t *testing.T) {
	r := newRig(t, models.Vec3{X: 0.01})
	r.stage.FailAfter = len(r.stage.Moves()) + 3

	err := r.loop(0).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, hardware.ErrHardware)
	assert.ErrorContains(t, err, "cycle 4")

	moves := r.stage.Moves()
	assert.Equal(t, start, moves[len(moves)-1], "stage returned to the initial target")
	assert.NotEqual(t, start, moves[len(moves)-2])
	assert.False(t, r.cam.IsOpen())
	assert.False(t, r.stage.Connected())
}

func TestRunRecordsArtifacts(t *testing.T) {
	dir := t.TempDir()
	r := newRig(t, models.Vec3{Y: 0.005})

	rec, err := history.Open(filepath.Join(dir, "history.csv"), 5)
	require.NoError(t, err)
	saver, err := preview.NewAutosaver(filepath.Join(dir, "frames"), 2)
	require.NoError(t, err)

	l := r.loop(3)
	l.History = rec
	l.StatusPath = filepath.Join(dir, "status.csv")
	l.Autosave = saver
	require.NoError(t, l.Run(context.Background()))
	require.NoError(t, rec.Close())

	f, err := os.Open(filepath.Join(dir, "history.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, history.Header, rows[0])
	assert.Equal(t, "frame_000001.tif", rows[1][8])
	assert.Equal(t, "", rows[2][8])
	assert.Equal(t, "frame_000002.tif", rows[3][8])

	_, err = os.Stat(l.StatusPath)
	assert.NoError(t, err)
	images, err := os.ReadDir(filepath.Join(dir, "frames"))
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestRunRequiresInitializedSession(t *testing.T) {
	stage := sim.NewStage(start)
	require.NoError(t, stage.Connect(context.Background()))
	l := &Loop{Session: &registration.Session{}, Camera: sim.NewCamera(stage, sim.DefaultOptics(), sim.Drift{}, start), Stage: stage}

	assert.ErrorIs(t, l.Run(context.Background()), registration.ErrNotInitialized)
	assert.False(t, stage.Connected())
	assert.Empty(t, stage.Moves())
}

func TestRunCancelledContext(t *testing.T) {
	r := newRig(t, models.Vec3{})
	moves := len(r.stage.Moves())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.loop(0).Run(ctx))
	assert.Len(t, r.stage.Moves(), moves, "no motion after cancellation")
	assert.False(t, r.stage.Connected())
}

// darkCamera delivers empty frames
type darkCamera struct {
	*sim.Camera
}

func (c darkCamera) Acquire(ctx context.Context) (models.Frame, error) {
	rows, cols := c.Size()
	return models.NewFrame(rows, cols), nil
}

func TestRunHoldsOnDegenerateFrame(t *testing.T) {
	r := newRig(t, models.Vec3{})
	l := r.loop(2)
	l.Camera = darkCamera{r.cam}
	l.StatusPath = filepath.Join(t.TempDir(), "status.csv")

	require.NoError(t, l.Run(context.Background()))
	moves := r.stage.Moves()
	assert.Equal(t, start, moves[len(moves)-1])
	assert.Equal(t, start, moves[len(moves)-2])

	f, err := os.Open(l.StatusPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	values := map[string]string{}
	for _, rec := range records {
		values[rec[0]] = rec[1]
	}
	assert.Equal(t, "true", values["degenerate"])
	assert.Equal(t, "true", values["z_held"])
}
