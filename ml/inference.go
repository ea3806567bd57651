package ml

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Evaluation summarizes a pass over held-out examples.
type Evaluation struct {
	Samples int
	Errors  int

	// Confusion counts true classes (rows) against predictions (columns).
	Confusion *mat.Dense
}

func (e Evaluation) ErrorRate() float64 {
	if e.Samples == 0 {
		return 0
	}
	return float64(e.Errors) / float64(e.Samples)
}

// Evaluate forward-propagates count examples one at a time and compares the
// arg-max class against the label. ctx must have batch size 1. A negative
// count evaluates every example.
func Evaluate(ctx *Context, p *ParamSet, images []float32, labels []uint8, count int, ws Workspace) (Evaluation, error) {
	if ctx.BatchSize() != 1 {
		return Evaluation{}, errors.Wrapf(ErrBadDescriptor, "evaluation needs batch size 1, context has %d", ctx.BatchSize())
	}
	sample := ctx.Input().SampleLen()
	available := len(labels)
	if len(images) != available*sample {
		return Evaluation{}, errors.Errorf("%d images of %d pixels do not match %d labels", len(images)/sample, sample, available)
	}
	if count < 0 || count > available {
		count = available
	}

	eval := Evaluation{Samples: count, Confusion: mat.NewDense(ctx.Classes(), ctx.Classes(), nil)}
	probs := make([]float32, ctx.Classes())
	for i := 0; i < count; i++ {
		if err := ctx.ForwardPropagation(images[i*sample:(i+1)*sample], p, probs, ws); err != nil {
			return eval, errors.Wrapf(err, "evaluating example %d", i)
		}
		predicted, truth := Argmax(probs), int(labels[i])
		if predicted != truth {
			eval.Errors++
		}
		if truth < ctx.Classes() {
			eval.Confusion.Set(truth, predicted, eval.Confusion.At(truth, predicted)+1)
		}
	}
	return eval, nil
}

// Prediction is one candidate class of a classified example.
type Prediction struct {
	Class int
	Prob  float32
}

// Classify returns the most probable class of one example and its probability.
func Classify(ctx *Context, p *ParamSet, image []float32, ws Workspace) (int, float32, error) {
	preds, err := ClassifyTopK(ctx, p, image, 1, ws)
	if err != nil {
		return 0, 0, err
	}
	return preds[0].Class, preds[0].Prob, nil
}

// ClassifyTopK returns the k most probable classes of one example, best first.
func ClassifyTopK(ctx *Context, p *ParamSet, image []float32, k int, ws Workspace) ([]Prediction, error) {
	if ctx.BatchSize() != 1 {
		return nil, errors.Wrapf(ErrBadDescriptor, "classification needs batch size 1, context has %d", ctx.BatchSize())
	}
	probs := make([]float32, ctx.Classes())
	if err := ctx.ForwardPropagation(image, p, probs, ws); err != nil {
		return nil, err
	}
	return TopK(probs, k), nil
}

// TopK ranks the k largest probabilities. Ties keep the lower class first,
// so TopK(v, 1) agrees with Argmax.
func TopK(probs []float32, k int) []Prediction {
	if k <= 0 || k > len(probs) {
		k = len(probs)
	}
	ranked := make([]Prediction, len(probs))
	for i, p := range probs {
		ranked[i] = Prediction{Class: i, Prob: p}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Prob > ranked[j].Prob
	})
	return ranked[:k]
}

// Argmax returns the index of the largest value. The first maximum wins.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[best] < v[i] {
			best = i
		}
	}
	return best
}
