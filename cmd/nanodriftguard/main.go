package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"nanodriftguard/internal/models"
	"nanodriftguard/pkg/calibration"
	"nanodriftguard/pkg/config"
	"nanodriftguard/pkg/hardware"
	"nanodriftguard/pkg/hardware/sim"
	"nanodriftguard/pkg/history"
	"nanodriftguard/pkg/pid"
	"nanodriftguard/pkg/preview"
	"nanodriftguard/pkg/registration"
	"nanodriftguard/pkg/stabilizer"
	"nanodriftguard/pkg/telemetry"
)

const usage = `usage: nanodriftguard <command> [flags]

commands:
  init-config   write a default configuration file
  calibrate     record a z-stack and fit the z calibration
  stabilize     calibrate, then run the drift correction loop
  register      register a stored frame against stored references
`

// refNames are the reference files written by calibrate, in channel order
var refNames = [models.NumChannels]string{"ref_mid.tif", "ref_far.tif", "ref_near.tif"}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd {
	case "init-config":
		err = runInitConfig(args)
	case "calibrate":
		err = runCalibrate(ctx, args)
	case "stabilize":
		err = runStabilize(ctx, args)
	case "register":
		err = runRegister(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "nanodriftguard.yaml", "Path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.LoadConfig(*configPath)
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("config", "nanodriftguard.yaml", "Path of the configuration file to create")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *path)
	return nil
}

// connect builds the simulated hardware and opens it with retries
func connect(ctx context.Context, cfg *config.Config) (*sim.Camera, *sim.Stage, error) {
	stage := sim.NewStage(cfg.Sim.Start)
	stage.SettlePolls = cfg.Sim.Settle
	stage.FailAfter = cfg.Sim.FailMove
	cam := sim.NewCamera(stage, cfg.Sim.Optics, cfg.Sim.Drift, cfg.Sim.Start)

	if err := hardware.Retry(ctx, cfg.Stage.ConnectAttempts, cfg.Stage.RetryBase, stage.Connect); err != nil {
		return nil, nil, fmt.Errorf("stage connect: %w", err)
	}
	if err := hardware.Retry(ctx, cfg.Camera.ConnectAttempts, cfg.Camera.RetryBase, cam.Open); err != nil {
		stage.Close()
		return nil, nil, fmt.Errorf("camera open: %w", err)
	}
	rows, cols := cam.Size()
	log.Printf("Connected to simulated camera (%dx%d) and stage", rows, cols)
	return cam, stage, nil
}

// calibrate records references and fits the z calibration, saving both
func calibrate(ctx context.Context, cfg *config.Config, sess *registration.Session, cam hardware.Camera, stage hardware.Stage) (models.ZCalibration, error) {
	strategy, err := calibration.StrategyByName(cfg.Calibration.Strategy)
	if err != nil {
		return models.ZCalibration{}, err
	}
	pos, err := stage.Position(ctx)
	if err != nil {
		return models.ZCalibration{}, err
	}
	positions := calibration.StackPositions(pos.Z, cfg.ZStack.Step, cfg.ZStack.Count)
	opts := calibration.SweepOptions{
		Averaging:     cfg.Camera.Averaging,
		SettlePoll:    cfg.Stage.SettlePoll,
		SettleTimeout: cfg.Stage.SettleTimeout,
	}
	res, err := calibration.Calibrate(ctx, sess, cam, stage, positions, cfg.Alignment, strategy, opts)
	if err != nil {
		return models.ZCalibration{}, err
	}

	if err := calibration.Save(cfg.Calibration.File, res.Calibration); err != nil {
		return res.Calibration, err
	}
	refDir := filepath.Join(cfg.Files.ImageDir, "refs")
	if err := os.MkdirAll(refDir, 0755); err != nil {
		return res.Calibration, err
	}
	for k, ref := range res.References {
		if err := preview.SaveTIFF(filepath.Join(refDir, refNames[k]), ref); err != nil {
			return res.Calibration, err
		}
	}
	log.Printf("Calibration saved to %s, references to %s", cfg.Calibration.File, refDir)
	return res.Calibration, nil
}

func runCalibrate(ctx context.Context, args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("calibrate", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	cam, stage, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer cam.Close()
	defer stage.Close()

	cal, err := calibrate(ctx, cfg, &registration.Session{}, cam, stage)
	if err != nil {
		return err
	}
	fmt.Printf("slope=%.6f /µm intercept=%.6f offset=%.4f µm strategy=%s\n", cal.Slope, cal.Intercept, cal.Offset, cal.Strategy)
	return nil
}

func runStabilize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stabilize", flag.ExitOnError)
	reuse := fs.Bool("reuse-zcal", false, "Use slope and offset from the saved calibration file instead of the fresh fit")
	cycles := fs.Int("cycles", -1, "Override loop.maxCycles (0 runs until interrupted)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *cycles >= 0 {
		cfg.Loop.MaxCycles = *cycles
	}

	cam, stage, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	sess := &registration.Session{}
	cal, err := calibrate(ctx, cfg, sess, cam, stage)
	if err != nil {
		cam.Close()
		stage.Close()
		return err
	}
	if *reuse {
		stored, err := calibration.Load(cfg.Calibration.File)
		if err != nil {
			cam.Close()
			stage.Close()
			return err
		}
		cal = stored
	}

	rec, err := history.Open(cfg.Files.History, cfg.Files.StdWindow)
	if err != nil {
		cam.Close()
		stage.Close()
		return err
	}
	defer rec.Close()

	pub, err := telemetry.Connect(telemetry.Options{
		Broker:   cfg.Telemetry.Broker,
		ClientID: cfg.Telemetry.ClientID,
		Username: cfg.Telemetry.Username,
		Password: cfg.Telemetry.Password,
		Prefix:   cfg.Telemetry.Prefix,
	})
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
		pub = telemetry.NewPublisher(nil, "")
	}
	defer pub.Close()

	loop := &stabilizer.Loop{
		Session:     sess,
		Camera:      cam,
		Stage:       stage,
		Calibration: cal,
		Controller:  pid.NewVector(cfg.PID.X, cfg.PID.Y, cfg.PID.Z),
		Options: stabilizer.Options{
			Averaging:     cfg.Camera.Averaging,
			SettlePoll:    cfg.Stage.SettlePoll,
			SettleTimeout: cfg.Stage.SettleTimeout,
			MaxCycles:     cfg.Loop.MaxCycles,
			Interval:      cfg.Loop.Interval,
		},
		History:    rec,
		StatusPath: cfg.Files.Status,
		Telemetry:  pub,
	}
	if cfg.Files.Live {
		saver, err := preview.NewAutosaver(cfg.Files.ImageDir, cfg.Files.SaveEvery)
		if err != nil {
			loop.Camera.Close()
			loop.Stage.Close()
			return err
		}
		loop.Autosave = saver
	}

	fmt.Println("Stabilizing; press Ctrl+C to stop")
	return loop.Run(ctx)
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	refDir := fs.String("refs", "", "Directory holding ref_mid.tif, ref_far.tif and ref_near.tif (default <imageDir>/refs)")
	framePath := fs.String("frame", "", "Frame to register (TIFF or PNG)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *framePath == "" {
		fs.Usage()
		return errors.New("-frame is required")
	}
	if *refDir == "" {
		*refDir = filepath.Join(cfg.Files.ImageDir, "refs")
	}

	refs := make([]models.Frame, models.NumChannels)
	for k, name := range refNames {
		if refs[k], err = loadROI(cfg, filepath.Join(*refDir, name)); err != nil {
			return err
		}
	}
	frame, err := loadROI(cfg, *framePath)
	if err != nil {
		return err
	}

	sess, err := registration.NewSession(refs, cfg.Alignment)
	if err != nil {
		return err
	}
	defer sess.Close()

	slope, offset := 0.0, 0.0
	if cal, err := calibration.Load(cfg.Calibration.File); err == nil {
		slope, offset = cal.Slope, cal.Offset
	} else {
		log.Printf("No z calibration (%v); reporting lateral shift only", err)
	}

	d, err := sess.Register(frame, slope)
	if err != nil && !errors.Is(err, registration.ErrNumeric) {
		return err
	}
	fmt.Printf("shift: row=%.4f col=%.4f px\n", d.RowShift, d.ColShift)
	fmt.Printf("drift: x=%.5f y=%.5f µm\n", d.X, d.Y)
	if err == nil {
		fmt.Printf("drift: z=%.5f µm (ratio %.6f)\n", d.Z+offset, d.Ratio)
	}
	fmt.Printf("zeta: mid=%.6f far=%.6f near=%.6f\n", d.Zeta[models.Mid], d.Zeta[models.Far], d.Zeta[models.Near])
	return nil
}

func loadROI(cfg *config.Config, path string) (models.Frame, error) {
	f, err := preview.LoadFrame(path)
	if err != nil {
		return models.Frame{}, err
	}
	roi := cfg.Camera.ROI
	if roi.Rows == 0 || roi.Cols == 0 {
		return f, nil
	}
	return preview.Crop(f, roi.Row, roi.Col, roi.Rows, roi.Cols)
}
