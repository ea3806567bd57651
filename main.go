package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/comm"
	"github.com/b0tShaman/lenet-consensus/trainer"
)

// options is everything the command line controls.
type options struct {
	cfg trainer.Config

	rank          int
	coordinator   string
	local         int
	dialTimeout   time.Duration
	classifyImage string

	logLevel string
	logFile  string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	o := options{cfg: trainer.DefaultConfig()}
	cfg := &o.cfg

	fs := flag.NewFlagSet("lenet-consensus", flag.ContinueOnError)
	fs.SetOutput(output)

	// Training
	fs.IntVar(&cfg.Device, "gpu", cfg.Device, "The device ID to use")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "Number of iterations for training")
	fs.Int64Var(&cfg.Seed, "random_seed", cfg.Seed, "Override random seed (default draws one)")
	fs.IntVar(&cfg.Classify, "classify", cfg.Classify, "Number of images to classify to compute error rate (default uses entire test set)")
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "Batch size for training")
	fs.BoolVar(&cfg.Pretrained, "pretrained", cfg.Pretrained, "Start from the weights in -weights_dir")
	fs.BoolVar(&cfg.SaveData, "save_data", cfg.SaveData, "Save trained weights to -weights_dir")
	fs.Float64Var(&cfg.LR.Base, "learning_rate", cfg.LR.Base, "Base learning rate")
	fs.Float64Var(&cfg.LR.Gamma, "lr_gamma", cfg.LR.Gamma, "Learning rate policy gamma")
	fs.Float64Var(&cfg.LR.Power, "lr_power", cfg.LR.Power, "Learning rate policy power")
	fs.Float64Var(&cfg.Rho, "rho", cfg.Rho, "Consensus penalty (0 trains each worker with plain SGD)")

	// Files
	fs.StringVar(&cfg.TrainImages, "train_images", cfg.TrainImages, "Training images filename")
	fs.StringVar(&cfg.TrainLabels, "train_labels", cfg.TrainLabels, "Training labels filename")
	fs.StringVar(&cfg.TestImages, "test_images", cfg.TestImages, "Test images filename")
	fs.StringVar(&cfg.TestLabels, "test_labels", cfg.TestLabels, "Test labels filename")
	fs.StringVar(&cfg.WeightsDir, "weights_dir", cfg.WeightsDir, "Directory of the conv1/conv2/ip1/ip2 weight files")

	// Group
	fs.IntVar(&o.rank, "rank", 0, "Rank of this process, 0 for the coordinator")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of worker ranks")
	fs.StringVar(&o.coordinator, "coordinator", "127.0.0.1:7070", "Coordinator address")
	fs.DurationVar(&o.dialTimeout, "dial_timeout", 30*time.Second, "How long a worker waits for the coordinator")
	fs.IntVar(&o.local, "local", 0, "Run the coordinator and this many workers in one process")

	// Operations
	fs.IntVar(&cfg.LogEvery, "log_every", cfg.LogEvery, "Log progress every this many iterations")
	fs.StringVar(&o.logLevel, "log_level", "INFO", "Log level")
	fs.StringVar(&o.logFile, "log_file", "", "Also append logs to this file")
	fs.StringVar(&cfg.StatusAddr, "status_addr", "", "Serve training status over HTTP on this address")
	fs.StringVar(&cfg.Checkpoint, "checkpoint", "", "Cron schedule for checkpointing the global weights")

	// Inference
	fs.StringVar(&o.classifyImage, "classify_image", "", "Classify one image with the saved weights and exit")
	fs.IntVar(&cfg.ImageWidth, "image_width", cfg.ImageWidth, "Network input width for -classify_image")
	fs.IntVar(&cfg.ImageHeight, "image_height", cfg.ImageHeight, "Network input height for -classify_image")
	fs.BoolVar(&cfg.Invert, "invert", cfg.Invert, "Invert -classify_image (dark ink on light paper)")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, errors.Errorf("unexpected arguments %q", fs.Args())
	}
	if o.local > 0 {
		cfg.Workers = o.local
	}
	if o.rank < 0 || o.rank > cfg.Workers {
		return o, errors.Wrapf(trainer.ErrInvalidConfig, "rank %d outside 0..%d", o.rank, cfg.Workers)
	}
	return o, cfg.Validate()
}

func newLogger(o options) (hclog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if o.logFile != "" {
		f, err := os.OpenFile(o.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening log file %s", o.logFile)
		}
		out, closer = io.MultiWriter(os.Stderr, f), f
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "lenet",
		Level:  hclog.LevelFromString(o.logLevel),
		Output: out,
	})
	return logger, closer, nil
}

// -------- MAIN -------- //

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 1. Configuration
	o, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return trainer.ExitOK
		}
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}
	logger, closer, err := newLogger(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}
	defer closer.Close()

	// 2. Run the selected mode
	err = dispatch(o, logger)
	if err != nil {
		logger.Error("run failed", "error", fmt.Sprintf("%+v", err))
	}
	return trainer.ExitCode(err)
}

func dispatch(o options, logger hclog.Logger) error {
	if o.classifyImage != "" {
		_, _, err := trainer.ClassifyImage(o.cfg, o.classifyImage, logger)
		return err
	}

	// Interrupts stop the coordinator between iterations; it checkpoints
	// the global weights before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.local > 0 {
		_, err := trainer.RunLocal(ctx, o.cfg, logger)
		return err
	}

	if o.rank == 0 {
		runID := uuid.New().String()
		co := trainer.NewCoordinator(o.cfg, runID, logger)
		if err := co.Prepare(); err != nil {
			return err
		}
		logger.Info("waiting for workers", "addr", o.coordinator, "workers", o.cfg.Workers, "run", runID)
		c, err := comm.Listen(o.coordinator, o.cfg.Workers, runID)
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = co.Run(ctx, c)
		return err
	}

	stop()
	w := trainer.NewWorker(o.cfg, logger)
	if err := w.Prepare(); err != nil {
		return err
	}
	c, err := comm.Dial(o.coordinator, o.rank, o.cfg.Workers+1, o.dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = w.Run(c, c.RunID())
	return err
}
