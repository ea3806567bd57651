package ml

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
)

var (
	ErrBadDescriptor = errors.New("unsupported tensor descriptor")
	ErrInvalidDevice = errors.New("invalid device")
)

// ConvAlgo selects how a convolution (or one of its gradients) is computed.
type ConvAlgo int

const (
	// ConvAlgoDirect loops over the filter taps and needs no workspace.
	ConvAlgoDirect ConvAlgo = iota
	// ConvAlgoIm2col unrolls input patches into the workspace and runs a GEMM.
	ConvAlgoIm2col
)

func (a ConvAlgo) String() string {
	switch a {
	case ConvAlgoDirect:
		return "direct"
	case ConvAlgoIm2col:
		return "im2col"
	}
	return fmt.Sprintf("algo(%d)", int(a))
}

// ConvAlgos is the algorithm triple chosen for one convolution.
type ConvAlgos struct {
	Forward        ConvAlgo
	BackwardFilter ConvAlgo
	BackwardData   ConvAlgo
}

// DeviceInfo describes the device a Backend issues work to.
type DeviceInfo struct {
	ID       int
	Name     string
	Vendor   string
	Cores    int
	Features []string
}

// Backend is the set of stateless numerical operators used by a Context.
// All buffers are dense NCHW float32; operators run synchronously.
type Backend interface {
	Device() DeviceInfo

	// Algorithm queries return the fastest algorithm and its workspace size in bytes.
	ConvForwardAlgorithm(x TensorDesc, w FilterDesc, y TensorDesc) (ConvAlgo, int, error)
	ConvBackwardFilterAlgorithm(x TensorDesc, dy TensorDesc, dw FilterDesc) (ConvAlgo, int, error)
	ConvBackwardDataAlgorithm(w FilterDesc, dy TensorDesc, dx TensorDesc) (ConvAlgo, int, error)

	ConvForward(algo ConvAlgo, x TensorDesc, xData []float32, w FilterDesc, wData []float32, y TensorDesc, yData []float32, ws Workspace) error
	ConvBackwardBias(dy TensorDesc, dyData []float32, db []float32) error
	ConvBackwardFilter(algo ConvAlgo, x TensorDesc, xData []float32, dy TensorDesc, dyData []float32, dw FilterDesc, dwData []float32, ws Workspace) error
	ConvBackwardData(algo ConvAlgo, w FilterDesc, wData []float32, dy TensorDesc, dyData []float32, dx TensorDesc, dxData []float32, ws Workspace) error
	AddBias(y TensorDesc, yData []float32, b []float32) error

	PoolForward(p PoolDesc, x TensorDesc, xData []float32, y TensorDesc, yData []float32) error
	PoolBackward(p PoolDesc, x TensorDesc, xData []float32, dy TensorDesc, dyData []float32, dxData []float32) error

	Gemm(tA, tB blas.Transpose, alpha float32, a, b Matrix, beta float32, c Matrix) error

	ReluForward(x, y []float32) error
	ReluBackward(y, dy, dx []float32) error
	SoftmaxForward(rows, cols int, x, y []float32) error
}

// DeviceCount returns the number of compute devices on this host.
// The pure Go backend exposes the host CPU as device 0.
func DeviceCount() int { return 1 }

// NewBackend opens the compute device with the given index.
func NewBackend(device int) (Backend, error) {
	if device < 0 || device >= DeviceCount() {
		return nil, errors.Wrapf(ErrInvalidDevice, "device %d (have %d)", device, DeviceCount())
	}
	return newCPUBackend(device), nil
}

func checkConv(x TensorDesc, w FilterDesc, y TensorDesc) error {
	switch {
	case !x.valid() || !w.valid() || !y.valid():
		return errors.Wrapf(ErrBadDescriptor, "conv x=%v w=%v y=%v", x, w, y)
	case x.C != w.C || y.C != w.K || y.N != x.N:
		return errors.Wrapf(ErrBadDescriptor, "conv channel mismatch x=%v w=%v y=%v", x, w, y)
	case y.H != x.H-w.R+1 || y.W != x.W-w.S+1:
		return errors.Wrapf(ErrBadDescriptor, "conv spatial mismatch x=%v w=%v y=%v", x, w, y)
	}
	return nil
}

func checkPool(p PoolDesc, x, y TensorDesc) error {
	switch {
	case p.Size <= 0 || p.Stride <= 0 || !x.valid() || !y.valid():
		return errors.Wrapf(ErrBadDescriptor, "pool %+v x=%v y=%v", p, x, y)
	case x.N != y.N || x.C != y.C || y.H != x.H/p.Stride || y.W != x.W/p.Stride:
		return errors.Wrapf(ErrBadDescriptor, "pool shape mismatch %+v x=%v y=%v", p, x, y)
	}
	return nil
}

func checkLen(name string, buf []float32, want int) error {
	if len(buf) != want {
		return errors.Wrapf(ErrBadDescriptor, "%s holds %d elements, expected %d", name, len(buf), want)
	}
	return nil
}
