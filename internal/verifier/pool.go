package verifier

// meanPool averages token vectors where the attention mask is set and returns
// the unit-length result. hidden is laid out as [seq][dim].
func meanPool(hidden []float32, mask []int64, dim int) []float32 {
	out := make([]float32, dim)
	var n float32
	for i, m := range mask {
		if m == 0 {
			continue
		}
		off := i * dim
		if off+dim > len(hidden) {
			break
		}
		for j := 0; j < dim; j++ {
			out[j] += hidden[off+j]
		}
		n++
	}
	if n > 0 {
		for j := range out {
			out[j] /= n
		}
	}
	normalize(out)
	return out
}
