package ml

import (
	"fmt"
	"math"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
)

// im2col only pays off when the unrolled patch feeds a GEMM with a
// reasonably long inner dimension.
const im2colMinPatch = 16

type cpuBackend struct {
	info DeviceInfo
	simd bool
}

func newCPUBackend(id int) *cpuBackend {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "cpu"
	}
	return &cpuBackend{
		info: DeviceInfo{
			ID:       id,
			Name:     name,
			Vendor:   cpuid.CPU.VendorString,
			Cores:    cpuid.CPU.LogicalCores,
			Features: cpuid.CPU.FeatureSet(),
		},
		simd: cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) || cpuid.CPU.Supports(cpuid.ASIMD),
	}
}

func (b *cpuBackend) Device() DeviceInfo { return b.info }

// -------- ALGORITHM SELECTION -------- //

func (b *cpuBackend) pick(patch, pixels int) (ConvAlgo, int) {
	if b.simd && patch >= im2colMinPatch {
		return ConvAlgoIm2col, 4 * patch * pixels
	}
	return ConvAlgoDirect, 0
}

func (b *cpuBackend) ConvForwardAlgorithm(x TensorDesc, w FilterDesc, y TensorDesc) (ConvAlgo, int, error) {
	if err := checkConv(x, w, y); err != nil {
		return 0, 0, err
	}
	algo, ws := b.pick(w.C*w.R*w.S, y.H*y.W)
	return algo, ws, nil
}

func (b *cpuBackend) ConvBackwardFilterAlgorithm(x TensorDesc, dy TensorDesc, dw FilterDesc) (ConvAlgo, int, error) {
	if err := checkConv(x, dw, dy); err != nil {
		return 0, 0, err
	}
	algo, ws := b.pick(dw.C*dw.R*dw.S, dy.H*dy.W)
	return algo, ws, nil
}

func (b *cpuBackend) ConvBackwardDataAlgorithm(w FilterDesc, dy TensorDesc, dx TensorDesc) (ConvAlgo, int, error) {
	if err := checkConv(dx, w, dy); err != nil {
		return 0, 0, err
	}
	algo, ws := b.pick(w.C*w.R*w.S, dy.H*dy.W)
	return algo, ws, nil
}

// -------- CONVOLUTION -------- //

func (b *cpuBackend) ConvForward(algo ConvAlgo, x TensorDesc, xData []float32, w FilterDesc, wData []float32, y TensorDesc, yData []float32, ws Workspace) (err error) {
	if err := checkConv(x, w, y); err != nil {
		return err
	}
	if err := checkBuffers(x, xData, w, wData, y, yData); err != nil {
		return err
	}
	defer recoverBlas(&err)

	pixels := y.H * y.W
	patch := w.C * w.R * w.S
	for n := 0; n < x.N; n++ {
		xn := xData[n*x.SampleLen() : (n+1)*x.SampleLen()]
		yn := yData[n*y.SampleLen() : (n+1)*y.SampleLen()]

		switch algo {
		case ConvAlgoIm2col:
			col, err := scratch(ws, patch*pixels)
			if err != nil {
				return err
			}
			im2col(x, xn, w, y, col)
			MatMul(blas.NoTrans, blas.NoTrans, 1,
				NewMatrixFromSlice(w.K, patch, wData),
				NewMatrixFromSlice(patch, pixels, col),
				0, NewMatrixFromSlice(w.K, pixels, yn))
		case ConvAlgoDirect:
			clear(yn)
			for k := 0; k < w.K; k++ {
				out := yn[k*pixels : (k+1)*pixels]
				for c := 0; c < w.C; c++ {
					plane := xn[c*x.H*x.W : (c+1)*x.H*x.W]
					for r := 0; r < w.R; r++ {
						for s := 0; s < w.S; s++ {
							wv := wData[((k*w.C+c)*w.R+r)*w.S+s]
							for i := 0; i < y.H; i++ {
								src := plane[(i+r)*x.W+s : (i+r)*x.W+s+y.W]
								dst := out[i*y.W : (i+1)*y.W]
								for j, v := range src {
									dst[j] += wv * v
								}
							}
						}
					}
				}
			}
		default:
			return errors.Wrapf(ErrBadDescriptor, "conv forward algorithm %v", algo)
		}
	}
	return nil
}

func (b *cpuBackend) ConvBackwardBias(dy TensorDesc, dyData []float32, db []float32) error {
	if !dy.valid() {
		return errors.Wrapf(ErrBadDescriptor, "bias gradient dy=%v", dy)
	}
	if err := checkLen("dy", dyData, dy.Len()); err != nil {
		return err
	}
	if err := checkLen("db", db, dy.C); err != nil {
		return err
	}

	pixels := dy.H * dy.W
	for k := range db {
		var sum float32
		for n := 0; n < dy.N; n++ {
			off := n*dy.SampleLen() + k*pixels
			for _, v := range dyData[off : off+pixels] {
				sum += v
			}
		}
		db[k] = sum
	}
	return nil
}

func (b *cpuBackend) ConvBackwardFilter(algo ConvAlgo, x TensorDesc, xData []float32, dy TensorDesc, dyData []float32, dw FilterDesc, dwData []float32, ws Workspace) (err error) {
	if err := checkConv(x, dw, dy); err != nil {
		return err
	}
	if err := checkBuffers(x, xData, dw, dwData, dy, dyData); err != nil {
		return err
	}
	defer recoverBlas(&err)

	pixels := dy.H * dy.W
	patch := dw.C * dw.R * dw.S
	clear(dwData)
	for n := 0; n < x.N; n++ {
		xn := xData[n*x.SampleLen() : (n+1)*x.SampleLen()]
		dyn := dyData[n*dy.SampleLen() : (n+1)*dy.SampleLen()]

		switch algo {
		case ConvAlgoIm2col:
			col, err := scratch(ws, patch*pixels)
			if err != nil {
				return err
			}
			im2col(x, xn, dw, dy, col)
			MatMul(blas.NoTrans, blas.Trans, 1,
				NewMatrixFromSlice(dw.K, pixels, dyn),
				NewMatrixFromSlice(patch, pixels, col),
				1, NewMatrixFromSlice(dw.K, patch, dwData))
		case ConvAlgoDirect:
			for k := 0; k < dw.K; k++ {
				grad := dyn[k*pixels : (k+1)*pixels]
				for c := 0; c < dw.C; c++ {
					plane := xn[c*x.H*x.W : (c+1)*x.H*x.W]
					for r := 0; r < dw.R; r++ {
						for s := 0; s < dw.S; s++ {
							var sum float32
							for i := 0; i < dy.H; i++ {
								src := plane[(i+r)*x.W+s : (i+r)*x.W+s+dy.W]
								g := grad[i*dy.W : (i+1)*dy.W]
								for j, v := range src {
									sum += g[j] * v
								}
							}
							dwData[((k*dw.C+c)*dw.R+r)*dw.S+s] += sum
						}
					}
				}
			}
		default:
			return errors.Wrapf(ErrBadDescriptor, "conv backward filter algorithm %v", algo)
		}
	}
	return nil
}

func (b *cpuBackend) ConvBackwardData(algo ConvAlgo, w FilterDesc, wData []float32, dy TensorDesc, dyData []float32, dx TensorDesc, dxData []float32, ws Workspace) (err error) {
	if err := checkConv(dx, w, dy); err != nil {
		return err
	}
	if err := checkBuffers(dx, dxData, w, wData, dy, dyData); err != nil {
		return err
	}
	defer recoverBlas(&err)

	pixels := dy.H * dy.W
	patch := w.C * w.R * w.S
	clear(dxData)
	for n := 0; n < dx.N; n++ {
		dxn := dxData[n*dx.SampleLen() : (n+1)*dx.SampleLen()]
		dyn := dyData[n*dy.SampleLen() : (n+1)*dy.SampleLen()]

		switch algo {
		case ConvAlgoIm2col:
			col, err := scratch(ws, patch*pixels)
			if err != nil {
				return err
			}
			MatMul(blas.Trans, blas.NoTrans, 1,
				NewMatrixFromSlice(w.K, patch, wData),
				NewMatrixFromSlice(w.K, pixels, dyn),
				0, NewMatrixFromSlice(patch, pixels, col))
			col2im(dx, dxn, w, dy, col)
		case ConvAlgoDirect:
			for k := 0; k < w.K; k++ {
				grad := dyn[k*pixels : (k+1)*pixels]
				for c := 0; c < w.C; c++ {
					plane := dxn[c*dx.H*dx.W : (c+1)*dx.H*dx.W]
					for r := 0; r < w.R; r++ {
						for s := 0; s < w.S; s++ {
							wv := wData[((k*w.C+c)*w.R+r)*w.S+s]
							for i := 0; i < dy.H; i++ {
								dst := plane[(i+r)*dx.W+s : (i+r)*dx.W+s+dy.W]
								g := grad[i*dy.W : (i+1)*dy.W]
								for j, v := range g {
									dst[j] += wv * v
								}
							}
						}
					}
				}
			}
		default:
			return errors.Wrapf(ErrBadDescriptor, "conv backward data algorithm %v", algo)
		}
	}
	return nil
}

func (b *cpuBackend) AddBias(y TensorDesc, yData []float32, bias []float32) error {
	if err := checkLen("y", yData, y.Len()); err != nil {
		return err
	}
	if err := checkLen("bias", bias, y.C); err != nil {
		return err
	}

	pixels := y.H * y.W
	for n := 0; n < y.N; n++ {
		for k, bv := range bias {
			off := n*y.SampleLen() + k*pixels
			for i := range yData[off : off+pixels] {
				yData[off+i] += bv
			}
		}
	}
	return nil
}

// -------- POOLING -------- //

// PoolForward takes the window maximum. A NaN anywhere in a window wins
// over every number in it.
func (b *cpuBackend) PoolForward(p PoolDesc, x TensorDesc, xData []float32, y TensorDesc, yData []float32) error {
	if err := checkPool(p, x, y); err != nil {
		return err
	}
	if err := checkLen("x", xData, x.Len()); err != nil {
		return err
	}
	if err := checkLen("y", yData, y.Len()); err != nil {
		return err
	}

	for plane := 0; plane < x.N*x.C; plane++ {
		src := xData[plane*x.H*x.W : (plane+1)*x.H*x.W]
		dst := yData[plane*y.H*y.W : (plane+1)*y.H*y.W]
		for i := 0; i < y.H; i++ {
			for j := 0; j < y.W; j++ {
				dst[i*y.W+j] = src[windowArgmax(p, x, src, i, j)]
			}
		}
	}
	return nil
}

// PoolBackward routes each output gradient to the forward argmax of its window.
func (b *cpuBackend) PoolBackward(p PoolDesc, x TensorDesc, xData []float32, dy TensorDesc, dyData []float32, dxData []float32) error {
	if err := checkPool(p, x, dy); err != nil {
		return err
	}
	if err := checkLen("x", xData, x.Len()); err != nil {
		return err
	}
	if err := checkLen("dx", dxData, x.Len()); err != nil {
		return err
	}
	if err := checkLen("dy", dyData, dy.Len()); err != nil {
		return err
	}

	clear(dxData)
	for plane := 0; plane < x.N*x.C; plane++ {
		src := xData[plane*x.H*x.W : (plane+1)*x.H*x.W]
		grad := dyData[plane*dy.H*dy.W : (plane+1)*dy.H*dy.W]
		dst := dxData[plane*x.H*x.W : (plane+1)*x.H*x.W]
		for i := 0; i < dy.H; i++ {
			for j := 0; j < dy.W; j++ {
				dst[windowArgmax(p, x, src, i, j)] += grad[i*dy.W+j]
			}
		}
	}
	return nil
}

// windowArgmax returns the plane offset of the maximum of output cell (i, j).
// Ties keep the first position; the first NaN is sticky.
func windowArgmax(p PoolDesc, x TensorDesc, plane []float32, i, j int) int {
	r0, c0 := i*p.Stride, j*p.Stride
	r1, c1 := min(r0+p.Size, x.H), min(c0+p.Size, x.W)

	best := r0*x.W + c0
	m := plane[best]
	for r := r0; r < r1; r++ {
		for c := c0; c < c1; c++ {
			v := plane[r*x.W+c]
			if m == m && (v > m || v != v) {
				m, best = v, r*x.W+c
			}
		}
	}
	return best
}

// -------- DENSE & ACTIVATIONS -------- //

func (b *cpuBackend) Gemm(tA, tB blas.Transpose, alpha float32, a, bm Matrix, beta float32, c Matrix) (err error) {
	defer recoverBlas(&err)
	MatMul(tA, tB, alpha, a, bm, beta, c)
	return nil
}

func (b *cpuBackend) ReluForward(x, y []float32) error {
	if err := checkLen("y", y, len(x)); err != nil {
		return err
	}
	for i, v := range x {
		if v > 0 || v != v {
			y[i] = v
		} else {
			y[i] = 0
		}
	}
	return nil
}

func (b *cpuBackend) ReluBackward(y, dy, dx []float32) error {
	if err := checkLen("dy", dy, len(y)); err != nil {
		return err
	}
	if err := checkLen("dx", dx, len(y)); err != nil {
		return err
	}
	for i, v := range y {
		if v > 0 {
			dx[i] = dy[i]
		} else {
			dx[i] = 0
		}
	}
	return nil
}

// SoftmaxForward normalizes every row of x after subtracting the row maximum.
func (b *cpuBackend) SoftmaxForward(rows, cols int, x, y []float32) error {
	if rows <= 0 || cols <= 0 {
		return errors.Wrapf(ErrBadDescriptor, "softmax %dx%d", rows, cols)
	}
	if err := checkLen("x", x, rows*cols); err != nil {
		return err
	}
	if err := checkLen("y", y, rows*cols); err != nil {
		return err
	}

	for i := 0; i < rows; i++ {
		in := x[i*cols : (i+1)*cols]
		out := y[i*cols : (i+1)*cols]

		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range in {
			e := math.Exp(float64(v - maxVal))
			out[j] = float32(e)
			sum += e
		}
		for j := range out {
			out[j] = float32(float64(out[j]) / sum)
		}
	}
	return nil
}

// ------ UTILITY FUNCTIONS ------

// im2col unrolls one sample into a (C*R*S) x (H'*W') patch matrix.
func im2col(x TensorDesc, xn []float32, w FilterDesc, y TensorDesc, col []float32) {
	pixels := y.H * y.W
	for c := 0; c < w.C; c++ {
		plane := xn[c*x.H*x.W : (c+1)*x.H*x.W]
		for r := 0; r < w.R; r++ {
			for s := 0; s < w.S; s++ {
				row := col[((c*w.R+r)*w.S+s)*pixels:]
				for i := 0; i < y.H; i++ {
					copy(row[i*y.W:(i+1)*y.W], plane[(i+r)*x.W+s:])
				}
			}
		}
	}
}

// col2im accumulates a patch matrix back into one sample.
func col2im(x TensorDesc, xn []float32, w FilterDesc, y TensorDesc, col []float32) {
	pixels := y.H * y.W
	for c := 0; c < w.C; c++ {
		plane := xn[c*x.H*x.W : (c+1)*x.H*x.W]
		for r := 0; r < w.R; r++ {
			for s := 0; s < w.S; s++ {
				row := col[((c*w.R+r)*w.S+s)*pixels:]
				for i := 0; i < y.H; i++ {
					dst := plane[(i+r)*x.W+s : (i+r)*x.W+s+y.W]
					for j, v := range row[i*y.W : (i+1)*y.W] {
						dst[j] += v
					}
				}
			}
		}
	}
}

func scratch(ws Workspace, n int) ([]float32, error) {
	if len(ws) < n {
		return nil, errors.Wrapf(ErrBadDescriptor, "workspace holds %d floats, need %d", len(ws), n)
	}
	return ws[:n], nil
}

func checkBuffers(x TensorDesc, xData []float32, w FilterDesc, wData []float32, y TensorDesc, yData []float32) error {
	if err := checkLen("x", xData, x.Len()); err != nil {
		return err
	}
	if err := checkLen("w", wData, w.Len()); err != nil {
		return err
	}
	return checkLen("y", yData, y.Len())
}

// recoverBlas turns a gonum shape panic into an error.
func recoverBlas(err *error) {
	if r := recover(); r != nil {
		*err = errors.Wrapf(ErrBadDescriptor, "blas: %v", fmt.Sprint(r))
	}
}
