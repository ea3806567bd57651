package ml

import (
	"math"

	"github.com/pkg/errors"
)

// minProb keeps the logged loss finite when a probability underflows.
const minProb = 1e-30

// ForwardPropagation runs conv1 -> pool1 -> conv2 -> pool2 -> fc1 -> relu ->
// fc2 -> softmax on a batch and writes the class probabilities into result.
// data is never modified.
func (ctx *Context) ForwardPropagation(data []float32, p *ParamSet, result []float32, ws Workspace) error {
	// 1. Validation
	if len(data) != ctx.input.Len() {
		return errors.Wrapf(ErrBadDescriptor, "input batch holds %d elements, expected %d", len(data), ctx.input.Len())
	}
	if len(result) != len(ctx.probs) {
		return errors.Wrapf(ErrBadDescriptor, "result holds %d elements, expected %d", len(result), len(ctx.probs))
	}
	if ws.Bytes() < ctx.workspaceSize {
		return errors.Wrapf(ErrBadDescriptor, "workspace of %d bytes, need %d", ws.Bytes(), ctx.workspaceSize)
	}

	// 2. Pipeline
	x := data
	for i, s := range ctx.stages {
		if err := s.forward(ctx.backend, p, x, ctx.acts[i], ws); err != nil {
			return errors.Wrapf(err, "%s forward", s.name())
		}
		x = ctx.acts[i]
	}

	// 3. Softmax
	if err := ctx.backend.SoftmaxForward(ctx.batchSize, ctx.classes, x, ctx.probs); err != nil {
		return errors.Wrap(err, "softmax forward")
	}
	copy(result, ctx.probs)
	return nil
}

// Backpropagation computes the softmax cross-entropy gradient of every
// parameter into g, using the activations of the last ForwardPropagation
// on the same data. It returns the mean cross-entropy loss of the batch.
func (ctx *Context) Backpropagation(data, labels []float32, p, g *ParamSet, ws Workspace) (float64, error) {
	if len(data) != ctx.input.Len() {
		return 0, errors.Wrapf(ErrBadDescriptor, "input batch holds %d elements, expected %d", len(data), ctx.input.Len())
	}
	if !p.SameShape(g) {
		return 0, errors.Wrap(ErrBadDescriptor, "gradient set does not match parameters")
	}

	last := len(ctx.stages) - 1
	loss, err := ctx.SoftmaxLossGradient(labels, ctx.diffs[last])
	if err != nil {
		return 0, err
	}

	for i := last; i >= 0; i-- {
		x := data
		var dx []float32
		if i > 0 {
			x = ctx.acts[i-1]
			dx = ctx.diffs[i-1]
		}
		if err := ctx.stages[i].backward(ctx.backend, p, g, x, ctx.acts[i], ctx.diffs[i], dx, ws); err != nil {
			return 0, errors.Wrapf(err, "%s backward", ctx.stages[i].name())
		}
	}
	return loss, nil
}

// SoftmaxLossGradient writes the gradient of the mean cross-entropy loss
// with respect to the logits into dlogits: the softmax output, minus one at
// each true label, scaled by 1/batch. It returns the loss itself.
func (ctx *Context) SoftmaxLossGradient(labels, dlogits []float32) (float64, error) {
	if len(labels) != ctx.batchSize {
		return 0, errors.Wrapf(ErrBadDescriptor, "%d labels for a batch of %d", len(labels), ctx.batchSize)
	}
	if len(dlogits) != len(ctx.probs) {
		return 0, errors.Wrapf(ErrBadDescriptor, "logit gradient holds %d elements, expected %d", len(dlogits), len(ctx.probs))
	}

	copy(dlogits, ctx.probs)
	loss := 0.0
	for n, l := range labels {
		label := int(l)
		if float32(label) != l || label < 0 || label >= ctx.classes {
			return 0, errors.Errorf("label %v of sample %d is not a class in [0,%d)", l, n, ctx.classes)
		}
		loss -= math.Log(math.Max(float64(ctx.probs[n*ctx.classes+label]), minProb))
		dlogits[n*ctx.classes+label] -= 1
	}
	Scal(1/float32(ctx.batchSize), dlogits)
	return loss / float64(ctx.batchSize), nil
}
