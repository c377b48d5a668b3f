// Package placement implements the Ballistic Allocator's trajectory
// function (spec §4.3.1): a pure, deterministic mapping from a file's
// gravity-center and orbit-vector to a physical block index for a given
// logical index and collision shell. Modular arithmetic is grounded on the
// teacher's careful fixed-width checksum math (filesystem/ext4/crc32c.go)
// generalized to full-width modular multiplication via math/big to stay
// overflow-safe regardless of operand magnitude.
package placement

import (
	"math/big"
	"math/bits"
)

// T is the fixed triangular-number jitter table (spec §4.3.1), indexed by
// collision shell k.
var T = [16]uint64{0, 1, 3, 6, 10, 15, 21, 28, 36, 45, 55, 66, 78, 91, 105, 120}

const gravityAssistXOR = 0xA5A5A5A5A5A5A5A5
const gravityAssistRotate = 17
const maxPerturbAttempts = 32

// GravityAssist perturbs an orbit-vector for high collision shells:
// rotate left 17, XOR a fixed pattern, force odd.
func GravityAssist(v uint64) uint64 {
	rotated := bits.RotateLeft64(v, gravityAssistRotate)
	return (rotated ^ gravityAssistXOR) | 1
}

// BinaryGCD computes gcd(a, b) using the binary (Stein's) algorithm, used
// to test stride/ring coprimality without a division per step.
func BinaryGCD(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	shift := bits.TrailingZeros64(a | b)
	a >>= bits.TrailingZeros64(a)
	for b != 0 {
		b >>= bits.TrailingZeros64(b)
		if a > b {
			a, b = b, a
		}
		b -= a
	}
	return a << uint(shift)
}

// modMul computes (a*b) mod m without risking uint64 overflow, regardless
// of how close a, b, or their product are to the uint64 range.
func modMul(a, b, m uint64) uint64 {
	if m == 0 {
		return 0
	}
	var x, y, mod big.Int
	x.SetUint64(a)
	y.SetUint64(b)
	mod.SetUint64(m)
	x.Mul(&x, &y)
	x.Mod(&x, &mod)
	return x.Uint64()
}

// checkedAdd adds a and b, reporting overflow instead of wrapping.
func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

// ReduceVector reduces an orbit-vector modulo phi and perturbs it until it
// is coprime with phi (so the resulting stride visits every slot at most
// once), falling back to a linear stride of 1 if 32 perturbations fail to
// find a coprime value.
func ReduceVector(v, phi uint64) uint64 {
	if phi == 0 {
		return 0
	}
	reduced := v % phi
	reduced |= 1
	if reduced >= phi {
		reduced = phi - 1
		if reduced%2 == 0 && reduced > 0 {
			reduced--
		}
	}
	for attempt := 0; attempt < maxPerturbAttempts; attempt++ {
		if BinaryGCD(reduced, phi) == 1 {
			return reduced
		}
		reduced = (reduced + 2) % phi
		reduced |= 1
	}
	if BinaryGCD(reduced, phi) != 1 {
		return 1
	}
	return reduced
}

// Input bundles the parameters of one trajectory evaluation.
type Input struct {
	G                uint64 // gravity-center
	V                uint64 // orbit-vector, caller-supplied (need not be pre-reduced)
	N                uint64 // logical block index
	M                uint8  // fractal scale: slot size is 2^M blocks
	K                int    // collision shell, 0..12
	FluxStartAligned uint64 // physical block index of the usable region's start
	Phi              uint64 // count of S-sized slots in the usable region

	// NonLinearMedia and NonSystemProfile gate the triangular-jitter term;
	// both must be true, and phi must be >= 32, for jitter to apply (spec
	// §4.3.1: "clamp to linear when phi < 32").
	NonLinearMedia   bool
	NonSystemProfile bool
}

// Result is one trajectory evaluation's outcome.
type Result struct {
	BlockIndex  uint64
	EntropyLoss uint64
	Overflow    bool
}

// Trajectory evaluates trajectory(G, V, N, M, k) -> block_index (spec
// §4.3.1). It is pure and side-effect-free; callers perform the bitmap
// test/CAS against the returned index themselves.
func Trajectory(in Input) Result {
	if in.Phi == 0 {
		return Result{Overflow: true}
	}
	s := uint64(1) << in.M

	gAligned := in.G &^ (s - 1)
	entropyLoss := in.G & (s - 1)
	gFractalSlot := gAligned / s

	v := in.V
	if in.K >= 4 {
		v = GravityAssist(v)
	}
	v |= 1

	vReduced := ReduceVector(v, in.Phi)

	offset := modMul(in.N, vReduced, in.Phi)
	offset = (offset + entropyLoss) % in.Phi

	var theta uint64
	if in.NonLinearMedia && in.NonSystemProfile && in.Phi >= 32 && in.K >= 0 && in.K < len(T) {
		theta = T[in.K] % in.Phi
	}

	slotSum, ok := checkedAdd(gFractalSlot, offset)
	if !ok {
		return Result{Overflow: true}
	}
	slotSum, ok = checkedAdd(slotSum, theta)
	if !ok {
		return Result{Overflow: true}
	}
	slotIndex := slotSum % in.Phi

	scaled, ok := checkedAddMul(slotIndex, s)
	if !ok {
		return Result{Overflow: true}
	}
	blockOffset, ok := checkedAdd(scaled, entropyLoss)
	if !ok {
		return Result{Overflow: true}
	}
	blockIndex, ok := checkedAdd(in.FluxStartAligned, blockOffset)
	if !ok {
		return Result{Overflow: true}
	}

	return Result{BlockIndex: blockIndex, EntropyLoss: entropyLoss}
}

// checkedAddMul computes slotIndex*s, reporting overflow.
func checkedAddMul(slotIndex, s uint64) (uint64, bool) {
	if slotIndex == 0 || s == 0 {
		return 0, true
	}
	product := slotIndex * s
	return product, product/s == slotIndex
}
