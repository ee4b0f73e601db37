package layers

import (
	"math"

	"golang.org/x/exp/constraints"
)

// matMul returns a[m,k] @ b[k,n].
func matMul[T constraints.Float](a, b []T, m, k, n int) []T {
	out := make([]T, m*n)
	for i := range m {
		for p := range k {
			av := a[i*k+p]
			for j := range n {
				out[i*n+j] += av * b[p*n+j]
			}
		}
	}

	return out
}

// matMulTransB returns a[m,k] @ b[n,k]^T.
func matMulTransB[T constraints.Float](a, b []T, m, k, n int) []T {
	out := make([]T, m*n)
	for i := range m {
		for j := range n {
			var sum T
			for p := range k {
				sum += a[i*k+p] * b[j*k+p]
			}

			out[i*n+j] = sum
		}
	}

	return out
}

// accMatMulTransA adds a[k,m]^T @ b[k,n] into dst[m,n].
func accMatMulTransA[T constraints.Float](dst, a, b []T, k, m, n int) {
	for p := range k {
		for i := range m {
			av := a[p*m+i]
			for j := range n {
				dst[i*n+j] += av * b[p*n+j]
			}
		}
	}
}

// addRowVector adds v[n] to every row of x[m,n] in place.
func addRowVector[T constraints.Float](x, v []T, n int) {
	for i := range x {
		x[i] += v[i%n]
	}
}

// accColumnSums adds the column sums of x[m,n] into dst[n].
func accColumnSums[T constraints.Float](dst, x []T, n int) {
	for i, v := range x {
		dst[i%n] += v
	}
}

func relu[T constraints.Float](x []T) []T {
	out := make([]T, len(x))
	for i, v := range x {
		out[i] = max(v, 0)
	}

	return out
}

func reluGrad[T constraints.Float](x, grad []T) []T {
	out := make([]T, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = grad[i]
		}
	}

	return out
}

func tanh[T constraints.Float](x []T) []T {
	out := make([]T, len(x))
	for i, v := range x {
		out[i] = T(math.Tanh(float64(v)))
	}

	return out
}

func tanhGrad[T constraints.Float](y, grad []T) []T {
	out := make([]T, len(y))
	for i, v := range y {
		out[i] = grad[i] * (1 - v*v)
	}

	return out
}

func add[T constraints.Float](a, b []T) []T {
	out := make([]T, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}

	return out
}

// squaredError returns sum((y-t)^2) and its gradient 2(y-t).
func squaredError[T constraints.Float](y, target []T) (float64, []T) {
	var loss float64

	grad := make([]T, len(y))
	for i := range y {
		diff := y[i] - target[i]
		loss += float64(diff) * float64(diff)
		grad[i] = 2 * diff
	}

	return loss, grad
}
