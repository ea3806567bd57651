package ml

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is a row-major float32 view over a flat slice. It never copies.
type Matrix struct {
	rows, cols int
	data       []float32
}

// -------- CONSTRUCTORS ------- //
func NewMatrixFromSlice(rows, cols int, data []float32) Matrix {
	if len(data) != rows*cols {
		panic("Slice length mismatch")
	}
	return Matrix{rows: rows, cols: cols, data: data}
}

// ------- MATRIX METHODS ------ //
func (m Matrix) general() blas32.General {
	return blas32.General{Rows: m.rows, Cols: m.cols, Stride: m.cols, Data: m.data}
}

// ------ UTILITY FUNCTIONS ------

// MatMul computes out = alpha*op(a)*op(b) + beta*out.
func MatMul(tA, tB blas.Transpose, alpha float32, a, b Matrix, beta float32, out Matrix) {
	blas32.Gemm(tA, tB, alpha, a.general(), b.general(), beta, out.general())
}

// Axpy computes y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, vector(x), vector(y))
}

// Scal computes x *= alpha.
func Scal(alpha float32, x []float32) {
	blas32.Scal(alpha, vector(x))
}

// Nrm2 returns the Euclidean norm of x.
func Nrm2(x []float32) float32 {
	return blas32.Nrm2(vector(x))
}

func vector(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
