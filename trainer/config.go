package trainer

import (
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/b0tShaman/lenet-consensus/consensus"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config drives a training run. The coordinator's values for the dataset
// shape, batch size, iteration count, learning rate policy and rho are
// broadcast at startup, so workers only need Device and LogEvery.
type Config struct {
	Device     int
	Iterations int
	Seed       int64 // negative draws a random seed
	Classify   int   // test images to classify, negative for all
	BatchSize  int
	Pretrained bool
	SaveData   bool

	TrainImages string
	TrainLabels string
	TestImages  string
	TestLabels  string
	WeightsDir  string

	LR  consensus.LRPolicy
	Rho float64

	Workers  int
	LogEvery int

	// Checkpoint is a cron spec (seconds field optional) for saving the
	// global weights. Empty disables checkpoints.
	Checkpoint string
	// StatusAddr enables the HTTP status endpoint on the coordinator.
	StatusAddr string

	// Single image classification.
	ImageWidth, ImageHeight int
	Invert                  bool
}

func DefaultConfig() Config {
	return Config{
		Device:      0,
		Iterations:  1000,
		Seed:        -1,
		Classify:    -1,
		BatchSize:   64,
		TrainImages: "train-images-idx3-ubyte",
		TrainLabels: "train-labels-idx1-ubyte",
		TestImages:  "t10k-images-idx3-ubyte",
		TestLabels:  "t10k-labels-idx1-ubyte",
		WeightsDir:  ".",
		LR:          consensus.DefaultLRPolicy,
		Rho:         consensus.DefaultRho,
		Workers:     1,
		LogEvery:    100,
		ImageWidth:  28,
		ImageHeight: 28,
		Invert:      true,
	}
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate rejects values no run can start with. Device ids are checked
// against the backend later since that failure has its own exit code.
func (c Config) Validate() error {
	switch {
	case c.Iterations < 0 || c.Iterations > consensus.MaxSetupInt:
		return errors.Wrapf(ErrInvalidConfig, "iterations %d", c.Iterations)
	case c.BatchSize <= 0 || c.BatchSize > consensus.MaxSetupInt:
		return errors.Wrapf(ErrInvalidConfig, "batch size %d", c.BatchSize)
	case c.Workers < 1:
		return errors.Wrapf(ErrInvalidConfig, "%d workers, need at least one", c.Workers)
	case c.Rho < 0:
		return errors.Wrapf(ErrInvalidConfig, "rho %v", c.Rho)
	case c.LR.Base <= 0 || c.LR.Gamma < 0 || c.LR.Power < 0:
		return errors.Wrapf(ErrInvalidConfig, "learning rate policy %+v", c.LR)
	case c.LogEvery <= 0:
		return errors.Wrapf(ErrInvalidConfig, "log interval %d", c.LogEvery)
	case c.ImageWidth <= 0 || c.ImageHeight <= 0:
		return errors.Wrapf(ErrInvalidConfig, "image size %dx%d", c.ImageWidth, c.ImageHeight)
	}
	if c.Checkpoint != "" {
		if _, err := cronParser.Parse(c.Checkpoint); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "checkpoint schedule %q: %v", c.Checkpoint, err)
		}
	}
	return nil
}
