// Package vectormath provides the dense-vector primitives used by the
// hot and warm stores: similarity measures and int8 symmetric
// quantization with a per-vector scale.
package vectormath

import (
	"math"
)

// NormalizeL2 normalizes a vector to unit length (Euclidean norm).
func NormalizeL2(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)

	// Avoid division by zero
	if norm < 1e-10 {
		return vector
	}

	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}

// Dot calculates the dot product of two vectors. Mismatched lengths
// yield 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Zero-norm inputs yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na < 1e-20 || nb < 1e-20 {
		return 0
	}
	// Bitwise-equal vectors score exactly 1; the division below can
	// land an ulp off.
	if dot == na && na == nb {
		return 1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EuclideanDistance calculates the L2 distance between two vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// QuantizeInt8 compresses a float32 vector to int8 with a symmetric
// per-vector scale: q[i] = round(v[i] / scale), scale = maxAbs / 127.
// An all-zero vector gets scale 1 so dequantization stays defined.
func QuantizeInt8(vector []float32) ([]int8, float32) {
	var maxAbs float32
	for _, v := range vector {
		a := v
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	scale := maxAbs / 127
	if scale == 0 {
		scale = 1
	}

	quantized := make([]int8, len(vector))
	for i, v := range vector {
		q := math.Round(float64(v) / float64(scale))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		quantized[i] = int8(q)
	}
	return quantized, scale
}

// DequantizeInt8 reverses QuantizeInt8 up to quantization error.
func DequantizeInt8(quantized []int8, scale float32) []float32 {
	vector := make([]float32, len(quantized))
	for i, q := range quantized {
		vector[i] = float32(q) * scale
	}
	return vector
}

// CosineSimilarityQuantized computes cosine similarity between a
// full-precision query and an int8-quantized vector without
// materializing the dequantized slice. The per-vector scale cancels in
// the cosine ratio but is applied anyway to keep the dot product
// meaningful for callers that inspect it.
func CosineSimilarityQuantized(query []float32, quantized []int8, scale float32) float64 {
	if len(query) != len(quantized) || len(query) == 0 {
		return 0
	}
	s := float64(scale)
	var dot, nq, nv float64
	for i := range query {
		qv := float64(query[i])
		vv := float64(quantized[i]) * s
		dot += qv * vv
		nq += qv * qv
		nv += vv * vv
	}
	if nq < 1e-20 || nv < 1e-20 {
		return 0
	}
	return dot / (math.Sqrt(nq) * math.Sqrt(nv))
}
