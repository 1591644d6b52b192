package memory

import (
	"math"
	"time"

	"github.com/scrypster/zedcore/pkg/types"
)

// RecencyDecayPerHour is the exponential decay constant for recency:
// 1 hour ≈ 0.97, 24 hours ≈ 0.55, 7 days ≈ 0.02.
const RecencyDecayPerHour = 0.025

// Weights scales the three score components. The score is their weighted
// mean, so only the ratios matter.
type Weights struct {
	Recency    float64 `json:"recency" yaml:"recency"`
	Importance float64 `json:"importance" yaml:"importance"`
	Relevance  float64 `json:"relevance" yaml:"relevance"`
}

// DefaultWeights weighs every component equally.
func DefaultWeights() Weights {
	return Weights{Recency: 1, Importance: 1, Relevance: 1}
}

// normalized clamps negative or non-finite weights to 0 and falls back to
// DefaultWeights when nothing is left.
func (w Weights) normalized() Weights {
	clean := func(v float64) float64 {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	out := Weights{Recency: clean(w.Recency), Importance: clean(w.Importance), Relevance: clean(w.Relevance)}
	if out.Recency+out.Importance+out.Relevance == 0 {
		return DefaultWeights()
	}
	return out
}

// RecencyScore returns exp(-λ·hours since lastAccessed). Access times in the
// future count as now.
func RecencyScore(lastAccessed, now time.Time) float64 {
	hours := now.Sub(lastAccessed).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-RecencyDecayPerHour * hours)
}

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. It is 0 when either vector is empty or all zeros, when the
// lengths differ, or when any component is NaN or infinite.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
			return 0
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return math.Max(-1, math.Min(1, sim))
}

// RelevanceScore is CosineSimilarity clamped to [0, 1]; opposing vectors
// score the same as unrelated ones.
func RelevanceScore(query, record []float32) float64 {
	return math.Max(0, CosineSimilarity(query, record))
}

// Score computes the breakdown and weighted score of record at now.
func Score(record *types.MemoryRecord, query []float32, w Weights, now time.Time) (float64, types.ScoreBreakdown) {
	w = w.normalized()

	b := types.ScoreBreakdown{
		RecencyScore:    RecencyScore(record.LastAccessed, now),
		ImportanceScore: clamp01(record.Importance),
		RelevanceScore:  RelevanceScore(query, record.Embedding),
	}

	total := w.Recency + w.Importance + w.Relevance
	score := (w.Recency*b.RecencyScore + w.Importance*b.ImportanceScore + w.Relevance*b.RelevanceScore) / total
	return clamp01(score), b
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
