package consensus

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/b0tShaman/lenet-consensus/comm"
	"github.com/b0tShaman/lenet-consensus/ml"
)

// Message tags. Residual and final-weight tags are offset by the tensor's ParamID.
const (
	TagImages comm.Tag = iota
	TagLabels
	TagLoss

	tagResidualBase comm.Tag = 16
	tagFinalBase    comm.Tag = 32
)

func ResidualTag(id ml.ParamID) comm.Tag { return tagResidualBase + comm.Tag(id) }
func FinalTag(id ml.ParamID) comm.Tag    { return tagFinalBase + comm.Tag(id) }

// BatchSource serves contiguous mini-batches by index.
type BatchSource interface {
	NumBatches(size int) int
	Batch(index, size int) (images, labels []float32)
}

// MaxSetupInt is the largest integer a Setup field can carry. Setup travels
// as float32, which holds every integer up to 2^24 exactly.
const MaxSetupInt = 1 << 24

var ErrSetupRange = errors.New("setup value not exactly representable")

// Setup is what the coordinator announces before the first iteration.
type Setup struct {
	Channels, Width, Height int
	TrainSize               int
	BatchSize               int
	Iterations              int

	LR  LRPolicy
	Rho float32
}

func (s *Setup) encode() []float32 {
	return []float32{
		float32(s.Channels), float32(s.Width), float32(s.Height),
		float32(s.TrainSize), float32(s.BatchSize), float32(s.Iterations),
		float32(s.LR.Base), float32(s.LR.Gamma), float32(s.LR.Power), s.Rho,
	}
}

func (s *Setup) check() error {
	for _, v := range []struct {
		name string
		n    int
	}{
		{"channels", s.Channels}, {"width", s.Width}, {"height", s.Height},
		{"training set size", s.TrainSize}, {"batch size", s.BatchSize}, {"iterations", s.Iterations},
	} {
		if v.n < 0 || v.n > MaxSetupInt {
			return errors.Wrapf(ErrSetupRange, "%s %d outside 0..%d", v.name, v.n, MaxSetupInt)
		}
	}
	return nil
}

func (s *Setup) decode(v []float32) {
	s.Channels, s.Width, s.Height = int(v[0]), int(v[1]), int(v[2])
	s.TrainSize, s.BatchSize, s.Iterations = int(v[3]), int(v[4]), int(v[5])
	s.LR = LRPolicy{Base: float64(v[6]), Gamma: float64(v[7]), Power: float64(v[8])}
	s.Rho = v[9]
}

// BroadcastSetup sends s from the coordinator; on workers it fills s. The
// coordinator's copy is decoded from the same float32 buffer, so every rank
// ends up with identical values. The coordinator refuses to send integers
// float32 would round.
func BroadcastSetup(c comm.Comm, s *Setup) error {
	if c.Rank() == 0 {
		if err := s.check(); err != nil {
			return err
		}
	}
	buf := s.encode()
	if err := c.Bcast(0, buf); err != nil {
		return errors.Wrap(err, "broadcasting setup")
	}
	s.decode(buf)
	return nil
}

// BroadcastWeights sends the coordinator's p to every worker, tensor by
// tensor; on workers it overwrites p.
func BroadcastWeights(c comm.Comm, p *ml.ParamSet) error {
	for id := range p {
		if err := c.Bcast(0, p[id]); err != nil {
			return errors.Wrapf(err, "broadcasting %v", ml.ParamID(id))
		}
	}
	return nil
}

// -------- BATCH FAN-OUT -------- //

// FanOut sends every worker rank 1..N exactly one mini-batch drawn uniformly
// at random. It returns the batch index served to each worker.
func FanOut(c comm.Comm, src BatchSource, batchSize int, rng *rand.Rand) ([]int, error) {
	n := src.NumBatches(batchSize)
	if n == 0 {
		return nil, errors.Errorf("no whole batch of %d examples available", batchSize)
	}

	served := make([]int, 0, c.Size()-1)
	for r := 1; r < c.Size(); r++ {
		idx := rng.IntN(n)
		images, labels := src.Batch(idx, batchSize)
		if err := c.Send(r, TagImages, images); err != nil {
			return served, errors.Wrapf(err, "sending images to rank %d", r)
		}
		if err := c.Send(r, TagLabels, labels); err != nil {
			return served, errors.Wrapf(err, "sending labels to rank %d", r)
		}
		served = append(served, idx)
	}
	return served, nil
}

// ReceiveBatch fills a worker's batch buffers.
func ReceiveBatch(c comm.Comm, images, labels []float32) error {
	if err := c.Recv(0, TagImages, images); err != nil {
		return errors.Wrap(err, "receiving images")
	}
	return errors.Wrap(c.Recv(0, TagLabels, labels), "receiving labels")
}

// -------- RESIDUALS -------- //

// SendResiduals reports a worker's dual residual to the coordinator.
func SendResiduals(c comm.Comm, dual *ml.ParamSet) error {
	for id := range dual {
		if err := c.Send(0, ResidualTag(ml.ParamID(id)), dual[id]); err != nil {
			return errors.Wrapf(err, "sending %v residual", ml.ParamID(id))
		}
	}
	return nil
}

// CollectResiduals receives the residual of every worker in rank order and
// applies each one to the global weights.
func (s *CoordinatorState) CollectResiduals(c comm.Comm, lr float32) error {
	for r := 1; r <= s.Workers; r++ {
		for id := range s.residual {
			if err := c.Recv(r, ResidualTag(ml.ParamID(id)), s.residual[id]); err != nil {
				return errors.Wrapf(err, "receiving %v residual from rank %d", ml.ParamID(id), r)
			}
		}
		if err := s.ApplyResidual(lr, &s.residual); err != nil {
			return err
		}
	}
	return nil
}

// -------- MONITORING -------- //

func ReportLoss(c comm.Comm, loss float64) error {
	return errors.Wrap(c.Send(0, TagLoss, []float32{float32(loss)}), "reporting loss")
}

// CollectLosses returns the batch loss of every worker and their mean.
func CollectLosses(c comm.Comm, workers int) ([]float64, float64, error) {
	losses := make([]float64, workers)
	buf := make([]float32, 1)
	for r := 1; r <= workers; r++ {
		if err := c.Recv(r, TagLoss, buf); err != nil {
			return nil, 0, errors.Wrapf(err, "receiving loss from rank %d", r)
		}
		losses[r-1] = float64(buf[0])
	}
	return losses, floats.Sum(losses) / float64(workers), nil
}

// -------- FINAL WEIGHTS -------- //

// SendFinal ships a worker's local weights to the coordinator after training.
func SendFinal(c comm.Comm, local *ml.ParamSet) error {
	for id := range local {
		if err := c.Send(0, FinalTag(ml.ParamID(id)), local[id]); err != nil {
			return errors.Wrapf(err, "sending final %v", ml.ParamID(id))
		}
	}
	return nil
}

// CollectFinal receives the final local weights of every worker, shaped like like.
func CollectFinal(c comm.Comm, workers int, like *ml.ParamSet) ([]ml.ParamSet, error) {
	out := make([]ml.ParamSet, workers)
	for r := 1; r <= workers; r++ {
		p := like.Clone()
		for id := range p {
			if err := c.Recv(r, FinalTag(ml.ParamID(id)), p[id]); err != nil {
				return nil, errors.Wrapf(err, "receiving final %v from rank %d", ml.ParamID(id), r)
			}
		}
		out[r-1] = p
	}
	return out, nil
}
