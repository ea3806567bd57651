package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/comm"
	"github.com/b0tShaman/lenet-consensus/consensus"
	"github.com/b0tShaman/lenet-consensus/data"
	"github.com/b0tShaman/lenet-consensus/ml"
)

// Result is what the coordinator knows once a run has finished.
type Result struct {
	RunID         string
	Iterations    int
	MeanLoss      float64
	IterationTime time.Duration

	// Global is the consensus estimate after the last iteration.
	Global ml.ParamSet
	// Final holds each worker's local weights, index 0 being rank 1.
	Final []ml.ParamSet
	// Evaluations has one entry per worker when a test set was classified.
	Evaluations []ml.Evaluation
}

// Coordinator drives rank 0: it owns the datasets and the global weights.
type Coordinator struct {
	cfg    Config
	comm   comm.Comm
	runID  string
	logger hclog.Logger
	board  *Board

	train, test *data.Dataset
	backend     ml.Backend
	nw          *ml.Network
	state       *consensus.CoordinatorState

	// trainWorkspace is the workspace a worker's training context needs.
	trainWorkspace int
}

func NewCoordinator(cfg Config, runID string, logger hclog.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		runID:  runID,
		logger: logger.Named("coordinator").With("run", runID),
		board:  NewBoard(runID, cfg.Workers, cfg.Iterations),
	}
}

func (co *Coordinator) Board() *Board { return co.board }

// Prepare reads the datasets, opens the device and initializes the weights.
// It needs no workers, so callers run it before waiting for the group to
// form. Run calls it when the caller has not.
func (co *Coordinator) Prepare() error {
	if err := co.loadData(); err != nil {
		return err
	}
	backend, err := ml.NewBackend(co.cfg.Device)
	if err != nil {
		return exitError(ExitInvalidDevice, err)
	}
	co.backend = backend
	if err := co.initNetwork(); err != nil {
		return err
	}
	tctx, err := ml.NewContext(backend, co.nw, co.cfg.BatchSize)
	if err != nil {
		return err
	}
	co.trainWorkspace = tctx.WorkspaceSize()
	return nil
}

// Run trains over the group c for the configured number of iterations.
// Cancelling ctx stops the run at the next iteration boundary after
// checkpointing the global weights.
func (co *Coordinator) Run(ctx context.Context, c comm.Comm) (*Result, error) {
	cfg := co.cfg
	workers := c.Size() - 1
	if workers < 1 || workers != cfg.Workers {
		return nil, errors.Wrapf(ErrInvalidConfig, "group of %d ranks for %d workers", c.Size(), cfg.Workers)
	}
	co.comm = c

	// 1. Datasets, backend and initial weights
	if co.nw == nil {
		if err := co.Prepare(); err != nil {
			return nil, err
		}
	}

	// 2. Announce the run
	setup := consensus.Setup{
		Channels:   co.train.Channels,
		Width:      co.train.Width,
		Height:     co.train.Height,
		TrainSize:  co.train.Len(),
		BatchSize:  cfg.BatchSize,
		Iterations: cfg.Iterations,
		LR:         cfg.LR,
		Rho:        float32(cfg.Rho),
	}
	if err := consensus.BroadcastSetup(co.comm, &setup); err != nil {
		return nil, err
	}
	initial := co.nw.Params()
	if err := consensus.BroadcastWeights(co.comm, &initial); err != nil {
		return nil, err
	}
	co.state = consensus.NewCoordinatorState(workers, &initial)

	if cfg.StatusAddr != "" {
		stop := startStatusServer(cfg.StatusAddr, NewStatusRouter(co.board, co.logger), co.logger)
		defer stop()
	}
	var (
		ckpt *checkpointer
		err  error
	)
	if cfg.Checkpoint != "" {
		if ckpt, err = newCheckpointer(cfg.Checkpoint); err != nil {
			return nil, exitError(exitRuntimeFailure, err)
		}
		defer ckpt.Stop()
	}

	// 3. Training loop
	co.logger.Info("starting training", "workers", workers, "batch", setup.BatchSize,
		"iterations", setup.Iterations, "rho", setup.Rho)
	rng := ml.NewRand(cfg.Seed)
	res := &Result{RunID: co.runID}
	start := time.Now()

	for iter := 0; iter < setup.Iterations; iter++ {
		if ctx.Err() != nil {
			co.logger.Warn("interrupted, saving global weights", "iteration", iter)
			if err := co.checkpoint(); err != nil {
				return nil, err
			}
			return nil, errors.Wrapf(ErrInterrupted, "at iteration %d", iter)
		}
		if ckpt.Due() {
			if err := co.checkpoint(); err != nil {
				return nil, err
			}
		}

		lr := setup.LR.Rate(iter)
		if _, err := consensus.FanOut(co.comm, co.train, setup.BatchSize, rng); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		if err := consensus.BroadcastWeights(co.comm, &co.state.Global); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		if err := co.state.CollectResiduals(co.comm, lr); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		losses, mean, err := consensus.CollectLosses(co.comm, workers)
		if err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}

		res.Iterations, res.MeanLoss = iter+1, mean
		co.board.update(func(s *Snapshot) {
			s.Iteration, s.LearningRate, s.MeanLoss = iter+1, lr, mean
			copy(s.WorkerLoss, losses)
		})
		if (iter+1)%cfg.LogEvery == 0 || iter == 0 {
			co.logger.Info("iteration", "iter", iter+1, "lr", lr, "loss", mean, "elapsed", time.Since(start))
		}
	}
	if setup.Iterations > 0 {
		res.IterationTime = time.Since(start) / time.Duration(setup.Iterations)
	}
	co.logger.Info("training complete", "iteration_time", res.IterationTime)

	// 4. Final weights
	final, err := consensus.CollectFinal(co.comm, workers, &co.state.Global)
	if err != nil {
		return nil, err
	}
	res.Final, res.Global = final, co.state.Global.Clone()

	if cfg.SaveData {
		co.logger.Info("saving weights", "worker", 1, "dir", cfg.WeightsDir)
		if err := saveParams(co.nw, &final[0], cfg.WeightsDir); err != nil {
			return nil, exitError(exitRuntimeFailure, err)
		}
	}

	// 5. Evaluation
	if co.test != nil {
		if res.Evaluations, err = co.evaluate(final); err != nil {
			return nil, err
		}
	}
	co.board.update(func(s *Snapshot) { s.Done = true })
	return res, nil
}

// ------ UTILITY FUNCTIONS ------

func (co *Coordinator) loadData() error {
	cfg := co.cfg
	co.logger.Info("reading input data", "images", cfg.TrainImages, "labels", cfg.TrainLabels)
	train, err := data.Load(cfg.TrainImages, cfg.TrainLabels)
	if err != nil {
		if errors.Is(err, data.ErrSizeMismatch) {
			return exitError(ExitSizeMismatch, err)
		}
		return exitError(ExitTrainingSet, err)
	}
	co.train = train

	if cfg.Classify != 0 {
		test, err := data.Load(cfg.TestImages, cfg.TestLabels)
		if err != nil {
			if errors.Is(err, data.ErrSizeMismatch) {
				return exitError(ExitSizeMismatch, err)
			}
			return exitError(ExitTestSet, err)
		}
		if test.Width != train.Width || test.Height != train.Height {
			return exitError(ExitSizeMismatch, errors.Wrapf(data.ErrSizeMismatch,
				"test images are %dx%d, training images %dx%d", test.Width, test.Height, train.Width, train.Height))
		}
		co.test = test
	}

	testSize := 0
	if co.test != nil {
		testSize = co.test.Len()
	}
	co.logger.Info("dataset loaded", "train", train.Len(), "test", testSize,
		"width", train.Width, "height", train.Height)
	return nil
}

// initNetwork loads pretrained weights when asked, falling back to Xavier
// initialization from the configured seed.
func (co *Coordinator) initNetwork() error {
	nw, err := ml.NewNetwork(ml.LeNet(co.train.Channels, co.train.Width, co.train.Height))
	if err != nil {
		return err
	}
	co.nw = nw

	if co.cfg.Pretrained {
		err := nw.LoadFromDir(co.cfg.WeightsDir)
		if err == nil {
			co.logger.Info("loaded pretrained weights", "dir", co.cfg.WeightsDir)
			return nil
		}
		co.logger.Warn("pretrained weights unavailable, initializing from seed", "error", err)
	}
	nw.InitXavier(ml.NewRand(co.cfg.Seed))
	return nil
}

func (co *Coordinator) checkpoint() error {
	dir := checkpointPath(co.cfg.WeightsDir)
	if err := saveParams(co.nw, &co.state.Global, dir); err != nil {
		return exitError(exitRuntimeFailure, err)
	}
	co.logger.Info("checkpoint saved", "dir", dir)
	return nil
}

// evaluate classifies the test set with every worker's final weights on a
// batch-1 context.
func (co *Coordinator) evaluate(final []ml.ParamSet) ([]ml.Evaluation, error) {
	ctx, err := ml.NewContext(co.backend, co.nw, 1)
	if err != nil {
		return nil, err
	}
	ws := co.evalWorkspace(ctx)

	evals := make([]ml.Evaluation, len(final))
	rates := make([]float64, len(final))
	for i := range final {
		eval, err := ml.Evaluate(ctx, &final[i], co.test.Images, co.test.RawLabels, co.cfg.Classify, ws)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating worker %d", i+1)
		}
		evals[i], rates[i] = eval, eval.ErrorRate()
		co.logger.Info("classification result", "worker", i+1,
			"error", fmt.Sprintf("%.2f%%", eval.ErrorRate()*100), "images", eval.Samples)
	}
	co.board.update(func(s *Snapshot) { s.ErrorRates = rates })
	return evals, nil
}

// evalWorkspace sizes the evaluation workspace to cover both the
// evaluation context and a training-batch context.
func (co *Coordinator) evalWorkspace(ctx *ml.Context) ml.Workspace {
	return ml.NewWorkspace(max(ctx.WorkspaceSize(), co.trainWorkspace))
}
