package vector

// InnerProduct returns the inner product of two vectors. For unit vectors this
// equals cosine similarity.
func InnerProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// SquaredL2 returns the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// similarity scores a stored vector against a query under the given metric.
// Both sides must be unit vectors; the result lies in [-1, 1] up to floating
// point error, which the caller clamps.
func similarity(m Metric, query, stored []float32) float64 {
	if m == MetricSquaredL2 {
		return 1 - SquaredL2(query, stored)/2
	}
	return InnerProduct(query, stored)
}

func clampScore(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
