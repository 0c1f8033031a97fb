package guardian

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/kivo360/omoios/pkg/models"
)

// Input is everything a scorer may look at for one agent.
type Input struct {
	Agent    models.Agent
	Task     *models.Task
	Activity []models.ActivityEntry
	// History holds prior snapshots, newest first.
	History []models.TrajectorySnapshot
}

// Goal returns the declared goal the agent is judged against.
func (in Input) Goal() string {
	if in.Task == nil {
		return ""
	}
	return in.Task.WorkDescription()
}

// Judgment is a scorer's result. Score must be in [0,1]; out-of-range values are clamped.
type Judgment struct {
	Score     float64
	Rationale string
}

// Scorer is the pluggable alignment strategy. It must be monotonically
// sensitive to divergence: more off-goal activity never raises the score.
type Scorer interface {
	Score(ctx context.Context, in Input) (Judgment, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, in Input) (Judgment, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, in Input) (Judgment, error) {
	return f(ctx, in)
}

// KeywordScorer scores alignment as the share of activity entries that
// mention at least one keyword of the declared goal.
type KeywordScorer struct {
	// MinWordLen is the shortest goal word used as a keyword.
	MinWordLen int
}

// NewKeywordScorer returns the default keyword scorer.
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{MinWordLen: 3}
}

// Score implements Scorer.
func (s *KeywordScorer) Score(ctx context.Context, in Input) (Judgment, error) {
	if err := ctx.Err(); err != nil {
		return Judgment{}, err
	}

	keywords := s.keywords(in.Goal())
	if len(keywords) == 0 {
		return Judgment{Score: 1, Rationale: "no declared goal to compare against"}, nil
	}

	if len(in.Activity) == 0 {
		for i := range in.History {
			if prev, ok := in.History[i].Score(); ok {
				return Judgment{Score: prev, Rationale: "no new activity; carrying previous score"}, nil
			}
		}
		return Judgment{Score: 1, Rationale: "no activity yet"}, nil
	}

	var onGoal int
	for _, entry := range in.Activity {
		if mentionsAny(entry.Text, keywords) {
			onGoal++
		}
	}
	score := float64(onGoal) / float64(len(in.Activity))
	return Judgment{
		Score:     score,
		Rationale: fmt.Sprintf("%d of %d recent activities reference the goal", onGoal, len(in.Activity)),
	}, nil
}

func (s *KeywordScorer) keywords(goal string) map[string]bool {
	minLen := s.MinWordLen
	if minLen < 1 {
		minLen = 3
	}
	out := make(map[string]bool)
	for _, w := range tokenize(goal) {
		if len(w) >= minLen && !stopwords[w] {
			out[w] = true
		}
	}
	return out
}

func mentionsAny(text string, keywords map[string]bool) bool {
	for _, w := range tokenize(text) {
		if keywords[w] {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "was": true,
	"will": true, "should": true, "must": true, "all": true, "any": true,
	"add": true, "use": true, "make": true, "new": true, "its": true,
}

// HealthScore folds steering and recent interventions into one per-agent
// number: the alignment score, scaled by 0.7 when steering is needed, minus
// 0.1 per intervention in the last hour (at most 0.3). Degraded snapshots
// have no health score.
func HealthScore(snap models.TrajectorySnapshot, recentInterventions int) (float64, bool) {
	score, ok := snap.Score()
	if !ok {
		return 0, false
	}
	if snap.NeedsSteering {
		score *= 0.7
	}
	penalty := 0.1 * float64(recentInterventions)
	if penalty > 0.3 {
		penalty = 0.3
	}
	return clamp(score - penalty), true
}
