package ml

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// -------- TYPE DEFINITIONS -------- //

// ConvLayer is a valid (unpadded, stride 1) convolution with per-channel bias.
type ConvLayer struct {
	InChannels, OutChannels, KernelSize int
	InWidth, InHeight                   int
	OutWidth, OutHeight                 int

	// Weights are laid out [out][in][k][k].
	Weights []float32
	Bias    []float32
}

// PoolLayer is a max-pooling stage. It owns no parameters.
type PoolLayer struct {
	Size, Stride int
}

// FCLayer is a fully connected layer. Weights are row-major inputs x outputs.
type FCLayer struct {
	Inputs, Outputs int

	Weights []float32
	Bias    []float32
}

// Architecture sizes the fixed conv-pool-conv-pool-fc-relu-fc-softmax topology.
type Architecture struct {
	Channels, Width, Height int

	Conv1Filters int
	Conv2Filters int
	KernelSize   int
	PoolSize     int
	PoolStride   int
	FC1Units     int
	Classes      int
}

// Network owns the four weighted layers and the two pooling stages.
type Network struct {
	Arch  Architecture
	Conv1 *ConvLayer
	Pool1 PoolLayer
	Conv2 *ConvLayer
	Pool2 PoolLayer
	FC1   *FCLayer
	FC2   *FCLayer
}

// -------- CONSTRUCTORS ------- //

// LeNet returns the classic sizing for an input of the given shape.
func LeNet(channels, width, height int) Architecture {
	return Architecture{
		Channels:     channels,
		Width:        width,
		Height:       height,
		Conv1Filters: 20,
		Conv2Filters: 50,
		KernelSize:   5,
		PoolSize:     2,
		PoolStride:   2,
		FC1Units:     500,
		Classes:      10,
	}
}

func NewConvLayer(inChannels, outChannels, kernelSize, inWidth, inHeight int) *ConvLayer {
	return &ConvLayer{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		InWidth:     inWidth,
		InHeight:    inHeight,
		OutWidth:    inWidth - kernelSize + 1,
		OutHeight:   inHeight - kernelSize + 1,
		Weights:     make([]float32, inChannels*outChannels*kernelSize*kernelSize),
		Bias:        make([]float32, outChannels),
	}
}

func NewFCLayer(inputs, outputs int) *FCLayer {
	return &FCLayer{
		Inputs:  inputs,
		Outputs: outputs,
		Weights: make([]float32, inputs*outputs),
		Bias:    make([]float32, outputs),
	}
}

// NewNetwork propagates the input shape through the fixed topology and
// allocates zeroed parameters.
func NewNetwork(arch Architecture) (*Network, error) {
	if arch.Channels <= 0 || arch.Width <= 0 || arch.Height <= 0 {
		return nil, errors.Wrapf(ErrBadDescriptor, "input shape %dx%dx%d", arch.Channels, arch.Height, arch.Width)
	}
	if arch.KernelSize <= 0 || arch.PoolSize <= 0 || arch.PoolStride <= 0 ||
		arch.Conv1Filters <= 0 || arch.Conv2Filters <= 0 || arch.FC1Units <= 0 || arch.Classes <= 0 {
		return nil, errors.Wrapf(ErrBadDescriptor, "architecture %+v", arch)
	}

	nw := &Network{
		Arch:  arch,
		Pool1: PoolLayer{Size: arch.PoolSize, Stride: arch.PoolStride},
		Pool2: PoolLayer{Size: arch.PoolSize, Stride: arch.PoolStride},
	}

	nw.Conv1 = NewConvLayer(arch.Channels, arch.Conv1Filters, arch.KernelSize, arch.Width, arch.Height)
	w, h := nw.Pool1.OutDim(nw.Conv1.OutWidth), nw.Pool1.OutDim(nw.Conv1.OutHeight)
	if nw.Conv1.OutWidth <= 0 || nw.Conv1.OutHeight <= 0 || w <= 0 || h <= 0 {
		return nil, errors.Wrapf(ErrBadDescriptor, "conv1 %dx%d kernel %d leaves no output", arch.Width, arch.Height, arch.KernelSize)
	}

	nw.Conv2 = NewConvLayer(arch.Conv1Filters, arch.Conv2Filters, arch.KernelSize, w, h)
	w, h = nw.Pool2.OutDim(nw.Conv2.OutWidth), nw.Pool2.OutDim(nw.Conv2.OutHeight)
	if nw.Conv2.OutWidth <= 0 || nw.Conv2.OutHeight <= 0 || w <= 0 || h <= 0 {
		return nil, errors.Wrapf(ErrBadDescriptor, "conv2 input %dx%d kernel %d leaves no output",
			nw.Conv2.InWidth, nw.Conv2.InHeight, arch.KernelSize)
	}

	nw.FC1 = NewFCLayer(arch.Conv2Filters*w*h, arch.FC1Units)
	nw.FC2 = NewFCLayer(arch.FC1Units, arch.Classes)
	return nw, nil
}

// ------- LAYER METHODS ------ //

func (l *ConvLayer) Filter() FilterDesc {
	return FilterDesc{K: l.OutChannels, C: l.InChannels, R: l.KernelSize, S: l.KernelSize}
}

// OutDim returns floor(in/stride).
func (p PoolLayer) OutDim(in int) int { return in / p.Stride }

func (p PoolLayer) Desc() PoolDesc { return PoolDesc{Size: p.Size, Stride: p.Stride} }

// InitXavier draws weights and biases uniformly from +-sqrt(3/fanIn) for the
// convolutions and +-sqrt(3/(inputs*outputs)) for the dense layers.
func (l *ConvLayer) InitXavier(rng *rand.Rand) {
	limit := math.Sqrt(3.0 / float64(l.KernelSize*l.KernelSize*l.InChannels))
	uniform(rng, limit, l.Weights)
	uniform(rng, limit, l.Bias)
}

func (l *FCLayer) InitXavier(rng *rand.Rand) {
	limit := math.Sqrt(3.0 / float64(l.Inputs*l.Outputs))
	uniform(rng, limit, l.Weights)
	uniform(rng, limit, l.Bias)
}

func uniform(rng *rand.Rand, limit float64, dst []float32) {
	for i := range dst {
		dst[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// InitXavier initializes every layer in topology order from rng.
func (nw *Network) InitXavier(rng *rand.Rand) {
	nw.Conv1.InitXavier(rng)
	nw.Conv2.InitXavier(rng)
	nw.FC1.InitXavier(rng)
	nw.FC2.InitXavier(rng)
}

// Params returns views onto the layer buffers. Writing through the
// returned set updates the network.
func (nw *Network) Params() ParamSet {
	return ParamSet{
		Conv1Weights: nw.Conv1.Weights,
		Conv1Bias:    nw.Conv1.Bias,
		Conv2Weights: nw.Conv2.Weights,
		Conv2Bias:    nw.Conv2.Bias,
		FC1Weights:   nw.FC1.Weights,
		FC1Bias:      nw.FC1.Bias,
		FC2Weights:   nw.FC2.Weights,
		FC2Bias:      nw.FC2.Bias,
	}
}

// NewParamSet allocates a zeroed set shaped like the network parameters.
func (nw *Network) NewParamSet() ParamSet {
	var p ParamSet
	for i, buf := range nw.Params() {
		p[i] = make([]float32, len(buf))
	}
	return p
}

// ------ UTILITY FUNCTIONS ------

// NewRand seeds a generator. A negative seed draws one from the runtime source.
func NewRand(seed int64) *rand.Rand {
	s := uint64(seed)
	if seed < 0 {
		s = rand.Uint64()
	}
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}
