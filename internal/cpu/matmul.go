package cpu

import "fmt"

// MatMulTransB computes out = a @ b^T. a is (m, k), b is (n, k), out is
// (m, n). This is the projection layout: logits = hidden @ weight^T with
// the weight stored row-major as (vocab, hidden). Rows of out are computed
// in parallel.
func (c *Context) MatMulTransB(a, b, out *Tensor) {
	m, k := a.Rows(), a.Cols()
	n := b.Rows()
	if b.Cols() != k || out.Rows() != m || out.Cols() != n {
		panic(fmt.Sprintf("cpu: MatMulTransB shape mismatch: a %v b %v out %v", a.dims, b.dims, out.dims))
	}
	aData, bData := a.F32(), b.F32()
	outData := out.F32()
	c.ParallelRows(m, func(start, end int) {
		for row := start; row < end; row++ {
			aRow := aData[row*k : (row+1)*k]
			outRow := outData[row*n : (row+1)*n]
			for col := 0; col < n; col++ {
				bRow := bData[col*k : (col+1)*k]
				var sum float32
				for i, av := range aRow {
					sum += av * bRow[i]
				}
				outRow[col] = sum
			}
		}
	})
}

// MatMul computes out = a @ b. a is (m, k), b is (k, n), out is (m, n).
// out may be F16, in which case each row is rounded through half precision
// as it is stored.
func (c *Context) MatMul(a, b, out *Tensor) {
	m, k := a.Rows(), a.Cols()
	n := b.Cols()
	if b.Rows() != k || out.Rows() != m || out.Cols() != n {
		panic(fmt.Sprintf("cpu: MatMul shape mismatch: a %v b %v out %v", a.dims, b.dims, out.dims))
	}
	aData, bData := a.F32(), b.F32()
	c.ParallelRows(m, func(start, end int) {
		tmp := make([]float32, n)
		for row := start; row < end; row++ {
			aRow := aData[row*k : (row+1)*k]
			for col := range tmp {
				tmp[col] = 0
			}
			for i, av := range aRow {
				if av == 0 {
					continue
				}
				bRow := bData[i*n : (i+1)*n]
				for col, bv := range bRow {
					tmp[col] += av * bv
				}
			}
			out.SetRow(row, tmp)
		}
	})
}

// MatMulTransAAcc computes acc += a^T @ x. a is (m, n), x is (m, k), acc is
// (n, k). Used to fold a chunk's logit gradient into the weight gradient:
// gradWeight += dLogits^T @ hiddenChunk. Parallel over rows of acc, so no
// two workers touch the same accumulator row. acc may be F16.
func (c *Context) MatMulTransAAcc(a, x, acc *Tensor) {
	m, n := a.Rows(), a.Cols()
	k := x.Cols()
	if x.Rows() != m || acc.Rows() != n || acc.Cols() != k {
		panic(fmt.Sprintf("cpu: MatMulTransAAcc shape mismatch: a %v x %v acc %v", a.dims, x.dims, acc.dims))
	}
	aData, xData := a.F32(), x.F32()
	c.ParallelRows(n, func(start, end int) {
		tmp := make([]float32, k)
		for col := start; col < end; col++ {
			accRow := acc.Row(col, tmp)
			for row := 0; row < m; row++ {
				av := aData[row*n+col]
				if av == 0 {
					continue
				}
				xRow := xData[row*k : (row+1)*k]
				for j, xv := range xRow {
					accRow[j] += av * xv
				}
			}
			acc.SetRow(col, accRow)
		}
	})
}
