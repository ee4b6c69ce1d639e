// Package tierselect picks the model tier (fast/mid/heavy) a Turn Controller
// dispatches a turn to, from a weighted complexity score over the caller's
// utterance and conversation state. Evaluation is pure string work with no
// allocation-heavy machinery, so it can run inline on the real-time path.
package tierselect

import (
	"regexp"
	"strings"

	"github.com/voicecore/callcore/pkg/types"
)

// Feature caps bound each raw signal before it is normalized to [0,1]. A
// signal at or above its cap contributes its full weight.
const (
	capPromptChars    = 400
	capHistoryTurns   = 20
	capEntityCount    = 6
	capQuestionWords  = 3
	capTechnicalTerms = 5
	capMultiRequest   = 3
)

// Per-feature weights. They sum to 1.0.
const (
	weightPromptLength   = 0.15
	weightHistoryLength  = 0.15
	weightEntityCount    = 0.20
	weightQuestionWords  = 0.15
	weightTechnicalTerms = 0.20
	weightMultiRequest   = 0.15
)

// Score thresholds for the tier tie-break ladder.
const (
	heavyThreshold = 0.8
	midThreshold   = 0.5
)

var questionWordRe = regexp.MustCompile(`(?i)\b(who|what|when|where|why|how|which)\b`)

// defaultTechnicalTerms are domain-neutral markers of a technically dense
// request. Callers can replace the list via WithTechnicalTerms for a
// deployment whose agent profile covers a specific domain.
var defaultTechnicalTerms = []string{
	"api", "configure", "algorithm", "database", "integration", "authenticate",
	"latency", "protocol", "deploy", "schema", "encryption", "calculate",
	"diagnose", "troubleshoot", "architecture",
}

// capitalizedWordRe approximates a named-entity mention as a capitalized word
// — a cheap proxy that avoids pulling in an NER model on the real-time path.
var capitalizedWordRe = regexp.MustCompile(`\b[A-Z][a-z]+\b`)

// multiRequestRe counts coordinating conjunctions and sequencing words that
// indicate the caller packed more than one request into a single turn.
var multiRequestRe = regexp.MustCompile(`(?i)\b(and also|also|then|after that|as well as)\b`)

// Input carries the signals the Turn Controller already has in hand when it
// needs a tier decision: the new utterance plus a few conversation-state
// flags it tracks independently of this package.
type Input struct {
	// Text is the finalized user utterance for this turn.
	Text string

	// HistoryTurns is the number of turns already in the conversation.
	HistoryTurns int

	// ExplicitThinking is true when the caller (or the agent profile) asked
	// for deeper reasoning on this turn specifically.
	ExplicitThinking bool

	// RequiresTools is true when the turn is known to need tool calling.
	// A mid-range complexity score without tool requirements stays at
	// TierMid; tools exclude only the mid tier, they do not by themselves
	// escalate a turn to TierHeavy.
	RequiresTools bool

	// UltraLowLatency is true for turns the agent profile has flagged as
	// latency-critical (e.g. a barge-in acknowledgement) — it forces
	// TierFast regardless of complexity.
	UltraLowLatency bool
}

// Option configures a Selector.
type Option func(*Selector)

// WithTechnicalTerms replaces the default technical-term keyword list.
func WithTechnicalTerms(terms ...string) Option {
	return func(s *Selector) { s.technicalTerms = append([]string(nil), terms...) }
}

// Selector computes a weighted complexity score for a turn and maps it to a
// [types.ModelTier]. Selector holds no per-call state — callers do not need
// to serialize calls to Select, and a single Selector is shared across every
// call in a process.
type Selector struct {
	technicalTerms []string
}

// NewSelector creates a Selector with the default technical-term list.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{technicalTerms: append([]string(nil), defaultTechnicalTerms...)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Select returns the model tier for in and the complexity score that
// produced it. UltraLowLatency is checked first and forces TierFast, even
// over ExplicitThinking; otherwise an ordered ladder applies:
//
//  1. ExplicitThinking or score ≥ 0.8 → TierHeavy.
//  2. score in [0.5, 0.8) and !RequiresTools → TierMid.
//  3. anything else → TierFast.
//
// RequiresTools with a mid-range score that would otherwise select TierMid
// falls through to TierFast — the mid tier is reserved for turns with no
// tool requirements.
func (s *Selector) Select(in Input) (types.ModelTier, float64) {
	score := s.score(in)

	if in.UltraLowLatency {
		return types.TierFast, score
	}
	if in.ExplicitThinking || score >= heavyThreshold {
		return types.TierHeavy, score
	}
	if score >= midThreshold && !in.RequiresTools {
		return types.TierMid, score
	}
	return types.TierFast, score
}

// score computes the weighted, normalized complexity score in [0,1].
func (s *Selector) score(in Input) float64 {
	lower := strings.ToLower(in.Text)

	promptScore := normalize(len(in.Text), capPromptChars)
	historyScore := normalize(in.HistoryTurns, capHistoryTurns)
	entityScore := normalize(countEntities(in.Text), capEntityCount)
	questionScore := normalize(len(questionWordRe.FindAllString(lower, -1)), capQuestionWords)
	technicalScore := normalize(countAny(lower, s.technicalTerms), capTechnicalTerms)
	multiScore := normalize(len(multiRequestRe.FindAllString(lower, -1)), capMultiRequest)

	total := promptScore*weightPromptLength +
		historyScore*weightHistoryLength +
		entityScore*weightEntityCount +
		questionScore*weightQuestionWords +
		technicalScore*weightTechnicalTerms +
		multiScore*weightMultiRequest

	if total > 1 {
		total = 1
	}
	if total < 0 {
		total = 0
	}
	return total
}

// normalize clips n/cap to [0,1].
func normalize(n, cap int) float64 {
	if cap <= 0 {
		return 0
	}
	v := float64(n) / float64(cap)
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// countEntities counts capitalized words that are not the first word of the
// utterance, as a cheap proxy for named-entity mentions.
func countEntities(text string) int {
	words := strings.Fields(text)
	count := 0
	for i, w := range words {
		if i == 0 {
			continue
		}
		if capitalizedWordRe.MatchString(w) {
			count++
		}
	}
	return count
}

// countAny counts how many of the given lowercase keywords appear in lower.
func countAny(lower string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count
}
