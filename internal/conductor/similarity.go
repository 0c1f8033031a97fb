package conductor

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kivo360/omoios/pkg/models"
)

// Similarity is the pluggable duplicate-detection strategy. It returns a
// value in [0,1] where 1 means identical work.
type Similarity interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// SimilarityFunc adapts a function to the Similarity interface.
type SimilarityFunc func(ctx context.Context, a, b string) (float64, error)

// Similarity calls f.
func (f SimilarityFunc) Similarity(ctx context.Context, a, b string) (float64, error) {
	return f(ctx, a, b)
}

// LexicalSimilarity compares normalized descriptions by edit distance:
// 1 - levenshtein / max(len).
type LexicalSimilarity struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewLexicalSimilarity returns the default similarity strategy.
func NewLexicalSimilarity() *LexicalSimilarity {
	return &LexicalSimilarity{dmp: diffmatchpatch.New()}
}

// Similarity implements Similarity.
func (s *LexicalSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a, b = normalize(a), normalize(b)
	if a == "" && b == "" {
		return 0, nil
	}
	if a == b {
		return 1, nil
	}

	diffs := s.dmp.DiffMain(a, b, false)
	dist := s.dmp.DiffLevenshtein(diffs)
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	sim := 1 - float64(dist)/float64(longest)
	if sim < 0 {
		sim = 0
	}
	return sim, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Weighting is the pluggable per-snapshot weight used for the coherence score.
type Weighting interface {
	Weight(s models.TrajectorySnapshot) float64
}

// WeightingFunc adapts a function to the Weighting interface.
type WeightingFunc func(s models.TrajectorySnapshot) float64

// Weight calls f.
func (f WeightingFunc) Weight(s models.TrajectorySnapshot) float64 {
	return f(s)
}

// Uniform weights every scored snapshot equally: an unweighted mean.
var Uniform Weighting = WeightingFunc(func(models.TrajectorySnapshot) float64 { return 1 })

// ByPriority weights snapshots by their task's priority (low=1 .. critical=4).
var ByPriority Weighting = WeightingFunc(func(s models.TrajectorySnapshot) float64 {
	return float64(s.Priority) + 1
})
