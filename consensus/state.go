// Package consensus reconciles the weights trained by each worker with the
// global estimate held by the coordinator.
//
// Every iteration a worker pulls its local weights toward the broadcast
// global weights with penalty rho, steps along its gradient, and reports the
// penalty term (the dual residual) to the coordinator, which folds every
// worker's residual into the global weights.
package consensus

import (
	"math"

	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/ml"
)

// DefaultRho is the consensus penalty used when none is configured.
const DefaultRho = 10

// WorkerState is the weight state owned by one worker rank. The four sets
// are shape-identical and never alias each other.
type WorkerState struct {
	Rank int

	// Local is this worker's weight estimate.
	Local ml.ParamSet
	// Global is the last coordinator broadcast.
	Global ml.ParamSet
	// Dual is the residual produced by the last UpdateLocal.
	Dual ml.ParamSet
	// Grads is filled by backpropagation.
	Grads ml.ParamSet
}

// NewWorkerState starts a worker from the given weights.
func NewWorkerState(rank int, initial *ml.ParamSet) *WorkerState {
	w := &WorkerState{
		Rank:   rank,
		Local:  initial.Clone(),
		Global: initial.Clone(),
		Dual:   initial.Clone(),
		Grads:  initial.Clone(),
	}
	w.Dual.Zero()
	w.Grads.Zero()
	return w
}

// UpdateLocal applies the penalized step to every tensor:
//
//	d     = rho*lr*(local - global)
//	local = local - d - lr*g
//
// d is kept in Dual for the coordinator. With rho = 0 this is plain SGD.
func (w *WorkerState) UpdateLocal(lr, rho float32) {
	for id := range w.Local {
		local, d := w.Local[id], w.Dual[id]

		copy(d, local)
		ml.Axpy(-1, w.Global[id], d)
		ml.Scal(rho*lr, d)

		ml.Axpy(-1, d, local)
		ml.Axpy(-lr, w.Grads[id], local)
	}
}

// ResidualNorm returns the Euclidean norm of the dual residual over all tensors.
func (w *WorkerState) ResidualNorm() float64 {
	sum := 0.0
	for _, d := range w.Dual {
		n := float64(ml.Nrm2(d))
		sum += n * n
	}
	return math.Sqrt(sum)
}

// CoordinatorState is the weight state owned by rank 0.
type CoordinatorState struct {
	Workers int

	// Global is the consensus estimate broadcast every iteration.
	Global ml.ParamSet

	residual ml.ParamSet
}

func NewCoordinatorState(workers int, initial *ml.ParamSet) *CoordinatorState {
	c := &CoordinatorState{
		Workers:  workers,
		Global:   initial.Clone(),
		residual: initial.Clone(),
	}
	c.residual.Zero()
	return c
}

// ApplyResidual folds one worker's residual into the global weights:
// global += lr*d.
func (c *CoordinatorState) ApplyResidual(lr float32, dual *ml.ParamSet) error {
	if !c.Global.SameShape(dual) {
		return errors.New("residual does not match the global weights")
	}
	for id := range c.Global {
		ml.Axpy(lr, dual[id], c.Global[id])
	}
	return nil
}
