package simd

// SubScaled performs dst -= src * scale for float32 vectors.
// src must be at least as long as dst.
func SubScaled(dst, src []float32, scale float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] -= src[i] * scale
		dst[i+1] -= src[i+1] * scale
		dst[i+2] -= src[i+2] * scale
		dst[i+3] -= src[i+3] * scale
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] -= src[i] * scale
	}
}

// SubScaledTo performs out = a - b * scale.
// out may alias a; each element is read before it is written.
func SubScaledTo(out, a, b []float32, scale float32) {
	i := 0
	for ; i <= len(out)-4; i += 4 {
		out[i] = a[i] - b[i]*scale
		out[i+1] = a[i+1] - b[i+1]*scale
		out[i+2] = a[i+2] - b[i+2]*scale
		out[i+3] = a[i+3] - b[i+3]*scale
	}
	for ; i < len(out); i++ {
		out[i] = a[i] - b[i]*scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
