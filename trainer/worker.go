package trainer

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/comm"
	"github.com/b0tShaman/lenet-consensus/consensus"
	"github.com/b0tShaman/lenet-consensus/ml"
)

// Worker drives one rank >= 1. It needs no dataset of its own: the shape,
// the initial weights and every mini-batch come from the coordinator.
type Worker struct {
	cfg     Config
	comm    comm.Comm
	logger  hclog.Logger
	backend ml.Backend
}

func NewWorker(cfg Config, logger hclog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: logger.Named("worker"),
	}
}

// Prepare opens the compute device, so a bad device id fails before the
// worker joins a group. Run calls it when the caller has not.
func (w *Worker) Prepare() error {
	backend, err := ml.NewBackend(w.cfg.Device)
	if err != nil {
		return exitError(ExitInvalidDevice, err)
	}
	w.backend = backend
	return nil
}

// Run follows the coordinator of group c through the whole run and returns
// the final state of this rank. A worker never stops on its own: it ends
// when the coordinator finishes or its link to the coordinator fails.
func (w *Worker) Run(c comm.Comm, runID string) (*consensus.WorkerState, error) {
	if w.backend == nil {
		if err := w.Prepare(); err != nil {
			return nil, err
		}
	}
	w.comm = c
	w.logger = w.logger.With("rank", c.Rank(), "run", runID)
	backend := w.backend
	dev := backend.Device()
	w.logger.Debug("using device", "id", dev.ID, "name", dev.Name, "cores", dev.Cores)

	// 1. Setup & Allocation
	var setup consensus.Setup
	if err := consensus.BroadcastSetup(w.comm, &setup); err != nil {
		return nil, err
	}
	nw, err := ml.NewNetwork(ml.LeNet(setup.Channels, setup.Width, setup.Height))
	if err != nil {
		return nil, err
	}
	tctx, err := ml.NewContext(backend, nw, setup.BatchSize)
	if err != nil {
		return nil, err
	}
	ws := ml.NewWorkspace(tctx.WorkspaceSize())
	algos := tctx.ConvAlgorithms()
	w.logger.Debug("context ready", "workspace", tctx.WorkspaceSize(),
		"conv1", algos[0].Forward, "conv2", algos[1].Forward)

	initial := nw.NewParamSet()
	if err := consensus.BroadcastWeights(w.comm, &initial); err != nil {
		return nil, err
	}
	state := consensus.NewWorkerState(w.comm.Rank(), &initial)

	images := make([]float32, tctx.Input().Len())
	labels := make([]float32, setup.BatchSize)
	probs := make([]float32, setup.BatchSize*tctx.Classes())

	// 2. Training Loop
	for iter := 0; iter < setup.Iterations; iter++ {
		lr := setup.LR.Rate(iter)

		// --- A. Local compute on the received batch ---
		if err := consensus.ReceiveBatch(w.comm, images, labels); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		if err := tctx.ForwardPropagation(images, &state.Local, probs, ws); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		loss, err := tctx.Backpropagation(images, labels, &state.Local, &state.Grads, ws)
		if err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}

		// --- B. Consensus step ---
		if err := consensus.BroadcastWeights(w.comm, &state.Global); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		state.UpdateLocal(lr, setup.Rho)
		if err := consensus.SendResiduals(w.comm, &state.Dual); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}
		if err := consensus.ReportLoss(w.comm, loss); err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}

		if (iter+1)%w.cfg.LogEvery == 0 {
			w.logger.Debug("iteration", "iter", iter+1, "loss", loss, "residual", state.ResidualNorm())
		}
	}

	// 3. Hand the local weights back
	if err := consensus.SendFinal(w.comm, &state.Local); err != nil {
		return nil, err
	}
	return state, nil
}
