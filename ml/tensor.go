package ml

import (
	"fmt"

	"github.com/pkg/errors"
)

// -------- SHAPE DESCRIPTORS -------- //

// TensorDesc describes a dense NCHW activation tensor.
type TensorDesc struct {
	N, C, H, W int
}

func (d TensorDesc) Len() int       { return d.N * d.C * d.H * d.W }
func (d TensorDesc) SampleLen() int { return d.C * d.H * d.W }
func (d TensorDesc) valid() bool    { return d.N > 0 && d.C > 0 && d.H > 0 && d.W > 0 }

func (d TensorDesc) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", d.N, d.C, d.H, d.W)
}

// FilterDesc describes a convolution filter bank laid out as
// [K out channels][C in channels][R rows][S cols].
type FilterDesc struct {
	K, C, R, S int
}

func (f FilterDesc) Len() int    { return f.K * f.C * f.R * f.S }
func (f FilterDesc) valid() bool { return f.K > 0 && f.C > 0 && f.R > 0 && f.S > 0 }

func (f FilterDesc) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", f.K, f.C, f.R, f.S)
}

// PoolDesc describes a max-pooling window.
type PoolDesc struct {
	Size, Stride int
}

// -------- PARAMETERS -------- //

// ParamID names one of the eight trainable tensors of the network.
type ParamID int

const (
	Conv1Weights ParamID = iota
	Conv1Bias
	Conv2Weights
	Conv2Bias
	FC1Weights
	FC1Bias
	FC2Weights
	FC2Bias
	NumParams
)

var paramNames = [NumParams]string{
	"conv1", "conv1.bias",
	"conv2", "conv2.bias",
	"ip1", "ip1.bias",
	"ip2", "ip2.bias",
}

func (p ParamID) String() string {
	if p < 0 || p >= NumParams {
		return fmt.Sprintf("param(%d)", int(p))
	}
	return paramNames[p]
}

// ParamSet holds one flat buffer per trainable tensor, indexed by ParamID.
// Copying a ParamSet copies the slice headers only; use Clone for a deep copy.
type ParamSet [NumParams][]float32

func (p *ParamSet) Clone() ParamSet {
	var out ParamSet
	for i, buf := range p {
		out[i] = make([]float32, len(buf))
		copy(out[i], buf)
	}
	return out
}

// CopyFrom overwrites every buffer of p with the matching buffer of src.
func (p *ParamSet) CopyFrom(src *ParamSet) error {
	for i := range p {
		if len(p[i]) != len(src[i]) {
			return errors.Errorf("%v shape mismatch: expected %d elements, got %d",
				ParamID(i), len(p[i]), len(src[i]))
		}
		copy(p[i], src[i])
	}
	return nil
}

func (p *ParamSet) Zero() {
	for _, buf := range p {
		clear(buf)
	}
}

// Len returns the total number of scalars over all tensors.
func (p *ParamSet) Len() int {
	total := 0
	for _, buf := range p {
		total += len(buf)
	}
	return total
}

// SameShape reports whether p and q hold tensors of identical lengths.
func (p *ParamSet) SameShape(q *ParamSet) bool {
	for i := range p {
		if len(p[i]) != len(q[i]) {
			return false
		}
	}
	return true
}

// -------- WORKSPACE -------- //

// Workspace is the scratch buffer shared by every operator call of a process.
type Workspace []float32

func NewWorkspace(bytes int) Workspace {
	return make(Workspace, (bytes+3)/4)
}

func (w Workspace) Bytes() int { return len(w) * 4 }
