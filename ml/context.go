package ml

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
)

// stage is one operation of the fixed pipeline. x is the stage input and y
// its output; dy and dx are the matching gradients. dx is nil for the first
// stage since nothing precedes it.
type stage interface {
	name() string
	out() TensorDesc
	forward(b Backend, p *ParamSet, x, y []float32, ws Workspace) error
	backward(b Backend, p, g *ParamSet, x, y, dy, dx []float32, ws Workspace) error
}

// StageShape reports the output shape of one pipeline stage.
type StageShape struct {
	Name string
	Out  TensorDesc
}

// Context binds a Network to a Backend for one batch size. It owns every
// intermediate activation and gradient buffer.
type Context struct {
	backend   Backend
	batchSize int
	classes   int

	input  TensorDesc
	stages []stage
	acts   [][]float32
	diffs  [][]float32
	probs  []float32

	convAlgos     [2]ConvAlgos
	workspaceSize int
}

// NewContext propagates shapes through the topology and selects the
// backend algorithms for both convolutions.
func NewContext(b Backend, nw *Network, batchSize int) (*Context, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(ErrBadDescriptor, "batch size %d", batchSize)
	}

	ctx := &Context{
		backend:   b,
		batchSize: batchSize,
		classes:   nw.FC2.Outputs,
		input:     TensorDesc{N: batchSize, C: nw.Conv1.InChannels, H: nw.Conv1.InHeight, W: nw.Conv1.InWidth},
	}

	// 1. Shape propagation
	conv1, err := ctx.newConvStage("conv1", ctx.input, nw.Conv1, Conv1Weights, Conv1Bias, 0)
	if err != nil {
		return nil, err
	}
	pool1 := newPoolStage("pool1", conv1.y, nw.Pool1)
	conv2, err := ctx.newConvStage("conv2", pool1.y, nw.Conv2, Conv2Weights, Conv2Bias, 1)
	if err != nil {
		return nil, err
	}
	pool2 := newPoolStage("pool2", conv2.y, nw.Pool2)
	if pool2.y.SampleLen() != nw.FC1.Inputs {
		return nil, errors.Wrapf(ErrBadDescriptor, "pool2 %v does not feed fc1 with %d inputs", pool2.y, nw.FC1.Inputs)
	}
	fc1 := newFCStage("fc1", batchSize, nw.FC1, FC1Weights, FC1Bias)
	relu := &reluStage{y: fc1.y}
	fc2 := newFCStage("fc2", batchSize, nw.FC2, FC2Weights, FC2Bias)

	ctx.stages = []stage{conv1, pool1, conv2, pool2, fc1, relu, fc2}

	// 2. Buffers
	for _, s := range ctx.stages {
		if !s.out().valid() {
			return nil, errors.Wrapf(ErrBadDescriptor, "%s output %v", s.name(), s.out())
		}
		ctx.acts = append(ctx.acts, make([]float32, s.out().Len()))
		ctx.diffs = append(ctx.diffs, make([]float32, s.out().Len()))
	}
	ctx.probs = make([]float32, batchSize*ctx.classes)
	return ctx, nil
}

func (ctx *Context) newConvStage(name string, x TensorDesc, l *ConvLayer, w, bias ParamID, slot int) (*convStage, error) {
	f := l.Filter()
	y := TensorDesc{N: x.N, C: l.OutChannels, H: x.H - l.KernelSize + 1, W: x.W - l.KernelSize + 1}
	if x.C != l.InChannels || !y.valid() {
		return nil, errors.Wrapf(ErrBadDescriptor, "%s: input %v filter %v", name, x, f)
	}

	var algos ConvAlgos
	var fwdWS, filterWS, dataWS int
	var err error
	if algos.Forward, fwdWS, err = ctx.backend.ConvForwardAlgorithm(x, f, y); err != nil {
		return nil, errors.Wrapf(err, "%s forward algorithm", name)
	}
	if algos.BackwardFilter, filterWS, err = ctx.backend.ConvBackwardFilterAlgorithm(x, y, f); err != nil {
		return nil, errors.Wrapf(err, "%s backward filter algorithm", name)
	}
	if algos.BackwardData, dataWS, err = ctx.backend.ConvBackwardDataAlgorithm(f, y, x); err != nil {
		return nil, errors.Wrapf(err, "%s backward data algorithm", name)
	}
	ctx.workspaceSize = max(ctx.workspaceSize, fwdWS, filterWS, dataWS)
	ctx.convAlgos[slot] = algos

	return &convStage{label: name, x: x, y: y, f: f, w: w, bias: bias, algos: algos}, nil
}

// -------- ACCESSORS -------- //

// WorkspaceSize is the scratch size in bytes required by the selected algorithms.
func (ctx *Context) WorkspaceSize() int { return ctx.workspaceSize }
func (ctx *Context) BatchSize() int     { return ctx.batchSize }
func (ctx *Context) Classes() int       { return ctx.classes }
func (ctx *Context) Input() TensorDesc  { return ctx.input }

// ConvAlgorithms returns the algorithms chosen for conv1 and conv2.
func (ctx *Context) ConvAlgorithms() [2]ConvAlgos { return ctx.convAlgos }

// Shapes lists the output shape of every stage in pipeline order.
func (ctx *Context) Shapes() []StageShape {
	shapes := make([]StageShape, 0, len(ctx.stages)+1)
	for _, s := range ctx.stages {
		shapes = append(shapes, StageShape{Name: s.name(), Out: s.out()})
	}
	return append(shapes, StageShape{Name: "softmax", Out: TensorDesc{N: ctx.batchSize, C: ctx.classes, H: 1, W: 1}})
}

// Activation returns the output buffer of the named stage from the last
// forward pass, or nil.
func (ctx *Context) Activation(name string) []float32 {
	for i, s := range ctx.stages {
		if s.name() == name {
			return ctx.acts[i]
		}
	}
	if name == "softmax" {
		return ctx.probs
	}
	return nil
}

// -------- STAGES -------- //

type convStage struct {
	label   string
	x, y    TensorDesc
	f       FilterDesc
	w, bias ParamID
	algos   ConvAlgos
}

func (s *convStage) name() string    { return s.label }
func (s *convStage) out() TensorDesc { return s.y }

func (s *convStage) forward(b Backend, p *ParamSet, x, y []float32, ws Workspace) error {
	if err := b.ConvForward(s.algos.Forward, s.x, x, s.f, p[s.w], s.y, y, ws); err != nil {
		return err
	}
	return b.AddBias(s.y, y, p[s.bias])
}

func (s *convStage) backward(b Backend, p, g *ParamSet, x, y, dy, dx []float32, ws Workspace) error {
	if err := b.ConvBackwardBias(s.y, dy, g[s.bias]); err != nil {
		return err
	}
	if err := b.ConvBackwardFilter(s.algos.BackwardFilter, s.x, x, s.y, dy, s.f, g[s.w], ws); err != nil {
		return err
	}
	if dx == nil {
		return nil
	}
	return b.ConvBackwardData(s.algos.BackwardData, s.f, p[s.w], s.y, dy, s.x, dx, ws)
}

type poolStage struct {
	label string
	x, y  TensorDesc
	desc  PoolDesc
}

func newPoolStage(name string, x TensorDesc, l PoolLayer) *poolStage {
	return &poolStage{
		label: name,
		x:     x,
		y:     TensorDesc{N: x.N, C: x.C, H: l.OutDim(x.H), W: l.OutDim(x.W)},
		desc:  l.Desc(),
	}
}

func (s *poolStage) name() string    { return s.label }
func (s *poolStage) out() TensorDesc { return s.y }

func (s *poolStage) forward(b Backend, _ *ParamSet, x, y []float32, _ Workspace) error {
	return b.PoolForward(s.desc, s.x, x, s.y, y)
}

func (s *poolStage) backward(b Backend, _, _ *ParamSet, x, _, dy, dx []float32, _ Workspace) error {
	return b.PoolBackward(s.desc, s.x, x, s.y, dy, dx)
}

// fcStage computes y = x*W + 1*b^T, the bias entering through a rank-one
// product with a ones vector of batch length.
type fcStage struct {
	label           string
	batch           int
	inputs, outputs int
	y               TensorDesc
	w, bias         ParamID
	ones            []float32
}

func newFCStage(name string, batch int, l *FCLayer, w, bias ParamID) *fcStage {
	return &fcStage{
		label:   name,
		batch:   batch,
		inputs:  l.Inputs,
		outputs: l.Outputs,
		y:       TensorDesc{N: batch, C: l.Outputs, H: 1, W: 1},
		w:       w,
		bias:    bias,
		ones:    ones(batch),
	}
}

func (s *fcStage) name() string    { return s.label }
func (s *fcStage) out() TensorDesc { return s.y }

func (s *fcStage) forward(b Backend, p *ParamSet, x, y []float32, _ Workspace) error {
	if err := s.check(p, x, y); err != nil {
		return err
	}
	out := NewMatrixFromSlice(s.batch, s.outputs, y)
	if err := b.Gemm(blas.NoTrans, blas.NoTrans, 1,
		NewMatrixFromSlice(s.batch, s.inputs, x),
		NewMatrixFromSlice(s.inputs, s.outputs, p[s.w]),
		0, out); err != nil {
		return err
	}
	return b.Gemm(blas.NoTrans, blas.NoTrans, 1,
		NewMatrixFromSlice(s.batch, 1, s.ones),
		NewMatrixFromSlice(1, s.outputs, p[s.bias]),
		1, out)
}

func (s *fcStage) backward(b Backend, p, g *ParamSet, x, _, dy, dx []float32, _ Workspace) error {
	if err := s.check(g, x, dy); err != nil {
		return err
	}
	grad := NewMatrixFromSlice(s.batch, s.outputs, dy)

	// --- A. Weights: x^T * dy ---
	if err := b.Gemm(blas.Trans, blas.NoTrans, 1,
		NewMatrixFromSlice(s.batch, s.inputs, x), grad,
		0, NewMatrixFromSlice(s.inputs, s.outputs, g[s.w])); err != nil {
		return err
	}

	// --- B. Bias: 1^T * dy ---
	if err := b.Gemm(blas.Trans, blas.NoTrans, 1,
		NewMatrixFromSlice(s.batch, 1, s.ones), grad,
		0, NewMatrixFromSlice(1, s.outputs, g[s.bias])); err != nil {
		return err
	}

	if dx == nil {
		return nil
	}

	// --- C. Data: dy * W^T ---
	if len(dx) != s.batch*s.inputs {
		return errors.Wrapf(ErrBadDescriptor, "%s data gradient holds %d elements", s.label, len(dx))
	}
	return b.Gemm(blas.NoTrans, blas.Trans, 1,
		grad, NewMatrixFromSlice(s.inputs, s.outputs, p[s.w]),
		0, NewMatrixFromSlice(s.batch, s.inputs, dx))
}

func (s *fcStage) check(p *ParamSet, x, y []float32) error {
	switch {
	case len(x) != s.batch*s.inputs:
		return errors.Wrapf(ErrBadDescriptor, "%s input holds %d elements, expected %d", s.label, len(x), s.batch*s.inputs)
	case len(y) != s.batch*s.outputs:
		return errors.Wrapf(ErrBadDescriptor, "%s output holds %d elements, expected %d", s.label, len(y), s.batch*s.outputs)
	case len(p[s.w]) != s.inputs*s.outputs || len(p[s.bias]) != s.outputs:
		return errors.Wrapf(ErrBadDescriptor, "%s parameters do not match %dx%d", s.label, s.inputs, s.outputs)
	}
	return nil
}

type reluStage struct {
	y TensorDesc
}

func (s *reluStage) name() string    { return "relu" }
func (s *reluStage) out() TensorDesc { return s.y }

func (s *reluStage) forward(b Backend, _ *ParamSet, x, y []float32, _ Workspace) error {
	return b.ReluForward(x, y)
}

func (s *reluStage) backward(b Backend, _, _ *ParamSet, _, y, dy, dx []float32, _ Workspace) error {
	return b.ReluBackward(y, dy, dx)
}
