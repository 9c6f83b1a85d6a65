// Package matcher resolves a probe embedding to the closest registered identity.
package matcher

import (
	"fmt"
	"math"

	"github.com/andresmejia3/overwatch/internal/types"
)

// DefaultTolerance is the face_recognition default: faces closer than this are the same person.
const DefaultTolerance = 0.6

// DistanceFunc measures how far apart two embeddings are. Smaller is closer.
type DistanceFunc func(a, b []float64) float64

// Euclidean returns the L2 distance between a and b.
// Vectors of different length are treated as infinitely far apart.
func Euclidean(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Cosine returns 1 - cosine similarity.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	// Return 1.0 (max distance) if a vector is zero to avoid division by zero
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

// DistanceByName maps a --metric value to its function.
func DistanceByName(name string) (DistanceFunc, error) {
	switch name {
	case "", "euclidean":
		return Euclidean, nil
	case "cosine":
		return Cosine, nil
	}
	return nil, fmt.Errorf("unknown distance metric %q (use euclidean or cosine)", name)
}

// Result is the outcome of a match. Identity is nil when the face is unknown.
type Result struct {
	Identity   *types.Identity
	Distance   float64
	Confidence float64
}

// Known reports whether the result resolved to a registered identity.
func (r Result) Known() bool {
	return r.Identity != nil
}

// Matcher compares probes against a known set with a fixed tolerance.
type Matcher struct {
	Tolerance float64
	Distance  DistanceFunc
}

// New returns a Matcher. A nil distance defaults to Euclidean.
func New(tolerance float64, distance DistanceFunc) *Matcher {
	if distance == nil {
		distance = Euclidean
	}
	return &Matcher{Tolerance: tolerance, Distance: distance}
}

// Match returns the closest identity strictly below tolerance, or an unknown result.
// Ties keep the earliest identity in known. An empty known set is always unknown.
func (m *Matcher) Match(probe types.Embedding, known []types.Identity) Result {
	best := -1
	minDist := m.Tolerance
	for i := range known {
		dist := m.Distance(probe, known[i].Embedding)
		if dist < minDist {
			minDist = dist
			best = i
		}
	}
	if best == -1 {
		return Result{Distance: math.Inf(1)}
	}
	return Result{
		Identity:   &known[best],
		Distance:   minDist,
		Confidence: Confidence(minDist),
	}
}

// Confidence converts a distance to a percentage, clamped to [0, 100].
func Confidence(distance float64) float64 {
	c := (1 - distance) * 100
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
