package fingerprint

import "math/bits"

// NormalizedHamming returns the fraction of differing bits between two raw
// fingerprints, in [0, 1]. Fingerprints of different lengths are compared
// over their common prefix; an empty input compares as maximally distant.
func NormalizedHamming(a, b []uint32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 1
	}
	differing := 0
	for i := 0; i < n; i++ {
		differing += bits.OnesCount32(a[i] ^ b[i])
	}
	return float64(differing) / float64(n*32)
}

// HashesNear reports whether two stored hashes are within the distance
// threshold.
func HashesNear(a, b []byte, threshold float64) bool {
	return NormalizedHamming(FromBytes(a), FromBytes(b)) <= threshold
}
