package consensus

import (
	"math"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/comm"
	"github.com/b0tShaman/lenet-consensus/ml"
)

// --- Helpers ---

// tinySet returns a set whose tensor i holds i+2 values drawn from base.
func tinySet(base float32) ml.ParamSet {
	var p ml.ParamSet
	for id := range p {
		p[id] = make([]float32, id+2)
		for i := range p[id] {
			p[id][i] = base + float32(id)*0.5 - float32(i)*0.25
		}
	}
	return p
}

func fill(p *ml.ParamSet, v float32) {
	for _, buf := range p {
		for i := range buf {
			buf[i] = v
		}
	}
}

// runRanks drives every rank of a fresh in-process world on its own goroutine.
func runRanks(t *testing.T, size int, fn func(c comm.Comm) error) {
	t.Helper()
	w := comm.NewWorld(size)
	defer w.Close()

	var wg sync.WaitGroup
	errs := make([]error, size)
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			if errs[r] = fn(w.Comm(r)); errs[r] != nil {
				w.Close()
			}
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %+v", r, err)
		}
	}
}

// --- Local update ---

func TestUpdateLocalWithZeroRhoIsSGD(t *testing.T) {
	initial := tinySet(1)
	w := NewWorkerState(1, &initial)
	g2 := tinySet(-3)
	w.Global = tinySet(7)
	w.Grads = g2

	const lr = 0.05
	want := w.Local.Clone()
	for id := range want {
		ml.Axpy(-lr, w.Grads[id], want[id])
	}

	w.UpdateLocal(lr, 0)

	for id := range want {
		for i := range want[id] {
			if w.Local[id][i] != want[id][i] {
				t.Fatalf("%v[%d] = %v, want %v", ml.ParamID(id), i, w.Local[id][i], want[id][i])
			}
			if w.Dual[id][i] != 0 {
				t.Fatalf("%v residual[%d] = %v with rho 0", ml.ParamID(id), i, w.Dual[id][i])
			}
		}
	}
	if w.ResidualNorm() != 0 {
		t.Errorf("residual norm %v", w.ResidualNorm())
	}
}

func TestUpdateLocalPullsTowardGlobal(t *testing.T) {
	initial := tinySet(2)
	w := NewWorkerState(1, &initial)
	fill(&w.Global, -1)

	const lr, rho = 0.01, DefaultRho
	before := w.Local.Clone()
	w.UpdateLocal(lr, rho)

	for id := range before {
		for i, old := range before[id] {
			global := w.Global[id][i]
			wantDual := rho * lr * (old - global)
			if d := w.Dual[id][i]; math.Abs(float64(d-wantDual)) > 1e-6 {
				t.Fatalf("%v residual[%d] = %v, want %v", ml.ParamID(id), i, d, wantDual)
			}
			if got := w.Local[id][i]; math.Abs(float64(got-global)) >= math.Abs(float64(old-global)) {
				t.Fatalf("%v[%d] moved from %v to %v, away from %v", ml.ParamID(id), i, old, got, global)
			}
		}
	}
	if w.ResidualNorm() <= 0 {
		t.Errorf("residual norm %v", w.ResidualNorm())
	}
}

func TestWorkerStateDoesNotAlias(t *testing.T) {
	initial := tinySet(1)
	w := NewWorkerState(1, &initial)
	w.Local[ml.FC2Bias][0] = 42
	if w.Global[ml.FC2Bias][0] == 42 || initial[ml.FC2Bias][0] == 42 {
		t.Error("local weights share storage with the global or initial weights")
	}
}

// --- Coordinator ---

func TestApplyResidualAccumulates(t *testing.T) {
	initial := tinySet(0)
	c := NewCoordinatorState(2, &initial)

	d1, d2 := tinySet(0), tinySet(0)
	fill(&d1, 1)
	fill(&d2, 3)
	const lr = 0.5
	if err := c.ApplyResidual(lr, &d1); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyResidual(lr, &d2); err != nil {
		t.Fatal(err)
	}

	for id := range initial {
		for i, v := range initial[id] {
			if want := v + lr*1 + lr*3; c.Global[id][i] != want {
				t.Fatalf("%v[%d] = %v, want %v", ml.ParamID(id), i, c.Global[id][i], want)
			}
		}
	}
}

func TestApplyResidualRejectsMismatchedShape(t *testing.T) {
	initial := tinySet(0)
	c := NewCoordinatorState(1, &initial)
	bad := tinySet(0)
	bad[ml.Conv2Bias] = bad[ml.Conv2Bias][:1]
	if err := c.ApplyResidual(1, &bad); err == nil {
		t.Error("mismatched residual accepted")
	}
}

// --- Learning rate ---

func TestLRPolicyInverseDecay(t *testing.T) {
	p := DefaultLRPolicy
	if got := p.Rate(0); got != 0.01 {
		t.Errorf("Rate(0) = %v", got)
	}
	want := 0.01 * math.Pow(2, -0.75)
	if got := float64(p.Rate(10000)); math.Abs(got-want) > 1e-9 {
		t.Errorf("Rate(10000) = %v, want %v", got, want)
	}
	for iter := 1; iter < 100; iter++ {
		if p.Rate(iter) > p.Rate(iter-1) {
			t.Fatalf("rate rose at iteration %d", iter)
		}
	}
}

// --- Protocol ---

// indexedSource returns batches whose every value is the batch index.
type indexedSource struct {
	batches, sample int
}

func (s indexedSource) NumBatches(size int) int { return s.batches }

func (s indexedSource) Batch(index, size int) (images, labels []float32) {
	images = make([]float32, size*s.sample)
	labels = make([]float32, size)
	for i := range images {
		images[i] = float32(index)
	}
	for i := range labels {
		labels[i] = float32(index % 10)
	}
	return images, labels
}

func TestFanOutServesEveryWorkerOncePerIteration(t *testing.T) {
	const workers, batch, iterations = 3, 2, 5
	src := indexedSource{batches: 7, sample: 4}

	var served [][]int
	received := make([][]int, workers+1)
	runRanks(t, workers+1, func(c comm.Comm) error {
		rng := ml.NewRand(3)
		images := make([]float32, batch*src.sample)
		labels := make([]float32, batch)
		for it := 0; it < iterations; it++ {
			if c.Rank() == 0 {
				idx, err := FanOut(c, src, batch, rng)
				if err != nil {
					return err
				}
				served = append(served, idx)
				continue
			}
			if err := ReceiveBatch(c, images, labels); err != nil {
				return err
			}
			received[c.Rank()] = append(received[c.Rank()], int(images[0]))
		}
		return nil
	})

	if len(served) != iterations {
		t.Fatalf("%d fan-outs, want %d", len(served), iterations)
	}
	// A fan-out loop bounded by the calling rank instead of the worker count
	// would send nothing from rank 0 and serve rank r in only r rounds. Every
	// rank must see exactly one batch per iteration.
	for r := 1; r <= workers; r++ {
		if len(received[r]) != iterations {
			t.Fatalf("rank %d received %d batches in %d iterations", r, len(received[r]), iterations)
		}
	}
	for it, idx := range served {
		if len(idx) != workers {
			t.Fatalf("iteration %d served %d workers, want %d", it, len(idx), workers)
		}
		for r := 1; r <= workers; r++ {
			if got := received[r][it]; got != idx[r-1] {
				t.Errorf("iteration %d: rank %d got batch %d, coordinator sent %d", it, r, got, idx[r-1])
			}
			if idx[r-1] < 0 || idx[r-1] >= src.batches {
				t.Errorf("batch index %d out of range", idx[r-1])
			}
		}
	}
}

func TestFanOutRejectsTooFewExamples(t *testing.T) {
	w := comm.NewWorld(2)
	defer w.Close()
	if _, err := FanOut(w.Comm(0), indexedSource{batches: 0, sample: 1}, 8, ml.NewRand(1)); err == nil {
		t.Error("fan-out with no whole batch succeeded")
	}
}

func TestCollectResidualsFoldsBiasTensors(t *testing.T) {
	const workers, lr = 2, 0.25
	initial := tinySet(0)
	fill(&initial, 0)
	coord := NewCoordinatorState(workers, &initial)

	runRanks(t, workers+1, func(c comm.Comm) error {
		if c.Rank() == 0 {
			return coord.CollectResiduals(c, lr)
		}
		// Weight residuals are zero; only the biases carry a signal.
		d := tinySet(0)
		fill(&d, 0)
		for _, id := range []ml.ParamID{ml.Conv1Bias, ml.Conv2Bias, ml.FC1Bias, ml.FC2Bias} {
			for i := range d[id] {
				d[id][i] = float32(c.Rank())
			}
		}
		return SendResiduals(c, &d)
	})

	for id := range coord.Global {
		want := float32(0)
		switch ml.ParamID(id) {
		case ml.Conv1Bias, ml.Conv2Bias, ml.FC1Bias, ml.FC2Bias:
			want = lr*1 + lr*2
		}
		for i, v := range coord.Global[id] {
			if v != want {
				t.Fatalf("%v[%d] = %v, want %v", ml.ParamID(id), i, v, want)
			}
		}
	}
}

func TestProtocolExchange(t *testing.T) {
	const workers = 2
	setup := Setup{Channels: 1, Width: 28, Height: 28, TrainSize: 600, BatchSize: 64, Iterations: 10}
	initial := tinySet(5)

	var (
		mean   float64
		losses []float64
		finals []ml.ParamSet
	)
	runRanks(t, workers+1, func(c comm.Comm) error {
		if c.Rank() == 0 {
			s := setup
			if err := BroadcastSetup(c, &s); err != nil {
				return err
			}
			p := initial.Clone()
			if err := BroadcastWeights(c, &p); err != nil {
				return err
			}
			var err error
			if losses, mean, err = CollectLosses(c, workers); err != nil {
				return err
			}
			finals, err = CollectFinal(c, workers, &initial)
			return err
		}

		var s Setup
		if err := BroadcastSetup(c, &s); err != nil {
			return err
		}
		if s != setup {
			t.Errorf("rank %d received setup %+v", c.Rank(), s)
		}
		p := tinySet(0)
		if err := BroadcastWeights(c, &p); err != nil {
			return err
		}
		if err := ReportLoss(c, float64(c.Rank())); err != nil {
			return err
		}
		fill(&p, float32(c.Rank()))
		return SendFinal(c, &p)
	})

	if len(losses) != workers || losses[0] != 1 || losses[1] != 2 || mean != 1.5 {
		t.Errorf("losses %v, mean %v", losses, mean)
	}
	if len(finals) != workers {
		t.Fatalf("%d final weight sets", len(finals))
	}
	for r, p := range finals {
		if !p.SameShape(&initial) {
			t.Fatalf("rank %d final weights have the wrong shape", r+1)
		}
		for _, buf := range p {
			for _, v := range buf {
				if v != float32(r+1) {
					t.Fatalf("rank %d final weight %v", r+1, v)
				}
			}
		}
	}
}

func TestBroadcastSetupRejectsInexactIntegers(t *testing.T) {
	w := comm.NewWorld(1)
	defer w.Close()

	ok := Setup{Channels: 1, Width: 28, Height: 28, TrainSize: MaxSetupInt, BatchSize: 64, Iterations: 10}
	if err := BroadcastSetup(w.Comm(0), &ok); err != nil {
		t.Fatalf("%+v", err)
	}
	if ok.TrainSize != MaxSetupInt {
		t.Errorf("training set size decoded as %d", ok.TrainSize)
	}

	big := ok
	big.Iterations = MaxSetupInt + 1
	if err := BroadcastSetup(w.Comm(0), &big); !errors.Is(err, ErrSetupRange) {
		t.Errorf("got %v, want ErrSetupRange", err)
	}
}
