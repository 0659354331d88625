// Package ring implements additive secret sharing over the ring Z/2^32Z.
//
// A secret value v is split into a fixed number of shares such that the
// shares sum to v modulo 2^32, and any proper subset of the shares is
// statistically independent of v. Reconstruction requires every share.
package ring

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Modulus is the ring size, 2^32. uint32 arithmetic in Go wraps at this
// boundary, so share addition is plain unsigned addition.
const Modulus uint64 = 1 << 32

// Split divides secret into numShares additive shares modulo 2^32.
//
// The first numShares-1 shares are drawn uniformly at random; the final
// share is chosen so that the full set sums to secret mod 2^32. This is
// the property that makes any numShares-1 shares independent of secret:
// without the last share, the remaining values carry no information
// about what they must sum to.
func Split(secret uint32, numShares int) ([]uint32, error) {
	if numShares < 2 {
		return nil, fmt.Errorf("ring: numShares must be at least 2, got %d", numShares)
	}

	shares := make([]uint32, numShares)
	var runningSum uint32
	for i := 0; i < numShares-1; i++ {
		r, err := randomUint32()
		if err != nil {
			return nil, fmt.Errorf("ring: generating random share: %w", err)
		}
		shares[i] = r
		runningSum += r
	}
	shares[numShares-1] = secret - runningSum

	return shares, nil
}

// Reconstruct sums a complete set of shares modulo 2^32, recovering the
// original secret. Passing a partial share set silently yields a wrong
// result rather than an error; callers are responsible for supplying
// exactly the shares that were produced together by Split.
func Reconstruct(shares []uint32) uint32 {
	var sum uint32
	for _, s := range shares {
		sum += s
	}
	return sum
}

// AddShareVectors sums corresponding entries of two equal-length share
// vectors modulo 2^32. The coordinator's reveal phase does not call it;
// it combines partial sums with Reconstruct.
func AddShareVectors(a, b []uint32) ([]uint32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("ring: share vector length mismatch: %d vs %d", len(a), len(b))
	}
	out := make([]uint32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out, nil
}

// randomUint32 draws a cryptographically random value uniformly from
// [0, 2^32). The standard library's CSPRNG is used deliberately: every
// random-number-capable dependency elsewhere in scope targets a
// different security model (elliptic-curve scalars, field elements) and
// would be a poor, overweight fit for "uniform random ring element".
func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
