// Package history persists the per-cycle drift log and the live status
// snapshot read by external monitors.
package history

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"nanodriftguard/internal/models"
)

// TimeLayout is the timestamp format of history and status files
const TimeLayout = "2006-01-02 15:04:05.000"

// Header lists the history columns in file order
var Header = []string{
	"timestamp",
	"drift_x", "drift_y", "drift_z",
	"std_x", "std_y", "std_z",
	"fps", "image",
	"target_x", "target_y", "target_z",
	"pos_x", "pos_y", "pos_z",
}

// Row is one control cycle
type Row struct {
	Time     time.Time
	Drift    models.Vec3
	FPS      float64
	Image    string
	Target   models.Vec3
	Position models.Vec3
}

// Recorder appends rows to the history file and tracks the rolling
// standard deviation of the drift over the last Window rows.
type Recorder struct {
	file   *os.File
	w      *csv.Writer
	window int

	// samples holds the recent drift per axis, oldest first
	samples [3][]float64
}

// Open opens path for appending, writing the header when the file is new.
// A window below 2 is raised to 2.
func Open(path string, window int) (*Recorder, error) {
	if window < 2 {
		window = 2
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat history file: %w", err)
	}

	r := &Recorder{file: f, w: csv.NewWriter(f), window: window}
	r.w.UseCRLF = true
	if info.Size() == 0 {
		if err := r.w.Write(Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write history header: %w", err)
		}
		r.w.Flush()
		if err := r.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write history header: %w", err)
		}
	}
	return r, nil
}

// Append records a row and returns the rolling standard deviation
// including it. The row is flushed to disk before returning.
func (r *Recorder) Append(row Row) (models.Vec3, error) {
	drift := row.Drift.Array()
	var std [3]float64
	for k := range r.samples {
		s := append(r.samples[k], drift[k])
		if len(s) > r.window {
			s = s[len(s)-r.window:]
		}
		r.samples[k] = s
		std[k] = rollingStd(s)
	}
	sd := models.Vec3{X: std[0], Y: std[1], Z: std[2]}

	record := []string{
		row.Time.Format(TimeLayout),
		formatFloat(row.Drift.X), formatFloat(row.Drift.Y), formatFloat(row.Drift.Z),
		formatFloat(sd.X), formatFloat(sd.Y), formatFloat(sd.Z),
		strconv.FormatFloat(row.FPS, 'f', 2, 64), row.Image,
		formatFloat(row.Target.X), formatFloat(row.Target.Y), formatFloat(row.Target.Z),
		formatFloat(row.Position.X), formatFloat(row.Position.Y), formatFloat(row.Position.Z),
	}
	if err := r.w.Write(record); err != nil {
		return sd, fmt.Errorf("failed to write history row: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return sd, fmt.Errorf("failed to write history row: %w", err)
	}
	return sd, nil
}

// Close flushes and closes the history file
func (r *Recorder) Close() error {
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// rollingStd ignores NaN samples from cycles where z was held
func rollingStd(s []float64) float64 {
	finite := make([]float64, 0, len(s))
	for _, v := range s {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) < 2 {
		return 0
	}
	_, sd := stat.MeanStdDev(finite, nil)
	return sd
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}

// Status is the snapshot of the latest cycle
type Status struct {
	Time       time.Time
	Cycle      int
	Drift      models.Vec3
	Std        models.Vec3
	Target     models.Vec3
	Position   models.Vec3
	FPS        float64
	Image      string
	ZHeld      bool
	Degenerate bool
}

// Records returns the snapshot as ordered key,value pairs
func (s Status) Records() [][]string {
	return [][]string{
		{"timestamp", s.Time.Format(TimeLayout)},
		{"cycle", strconv.Itoa(s.Cycle)},
		{"drift_x", formatFloat(s.Drift.X)},
		{"drift_y", formatFloat(s.Drift.Y)},
		{"drift_z", formatFloat(s.Drift.Z)},
		{"std_x", formatFloat(s.Std.X)},
		{"std_y", formatFloat(s.Std.Y)},
		{"std_z", formatFloat(s.Std.Z)},
		{"target_x", formatFloat(s.Target.X)},
		{"target_y", formatFloat(s.Target.Y)},
		{"target_z", formatFloat(s.Target.Z)},
		{"pos_x", formatFloat(s.Position.X)},
		{"pos_y", formatFloat(s.Position.Y)},
		{"pos_z", formatFloat(s.Position.Z)},
		{"fps", strconv.FormatFloat(s.FPS, 'f', 2, 64)},
		{"image", s.Image},
		{"z_held", strconv.FormatBool(s.ZHeld)},
		{"degenerate", strconv.FormatBool(s.Degenerate)},
	}
}

// WriteStatus replaces the snapshot at path. Readers never observe a
// partially written file.
func WriteStatus(path string, s Status) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create status file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.UseCRLF = true
	if err := w.WriteAll(s.Records()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}
