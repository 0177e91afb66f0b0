// Package matcher scores similarity between normalized names and ranks
// candidate pools against a target.
package matcher

import (
	"sort"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/otherjamesbrown/canonid/pkg/identity/normalize"
)

// Config holds similarity weights and ranking defaults.
type Config struct {
	// TokenWeight weights Jaccard overlap of the token sets.
	TokenWeight float64 `yaml:"token_weight"`
	// EditWeight weights the normalized edit-distance ratio of the joined tokens.
	EditWeight float64 `yaml:"edit_weight"`
	// PhoneticBonus is added when phonetic keys match exactly.
	PhoneticBonus float64 `yaml:"phonetic_bonus"`
	// Threshold is the default minimum score returned by BestMatches.
	Threshold float64 `yaml:"threshold"`
	// MaxResults is the default result limit of BestMatches.
	MaxResults int `yaml:"max_results"`
}

// DefaultConfig returns the standard matcher configuration.
func DefaultConfig() Config {
	return Config{
		TokenWeight:   0.4,
		EditWeight:    0.6,
		PhoneticBonus: 0.1,
		Threshold:     0.3,
		MaxResults:    5,
	}
}

// Matcher computes name similarity. It holds no mutable state and is safe for
// concurrent use.
type Matcher struct {
	cfg Config
}

// New returns a Matcher. Zero or negative weights fall back to the defaults.
func New(cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.TokenWeight < 0 || cfg.EditWeight < 0 || cfg.TokenWeight+cfg.EditWeight == 0 {
		cfg.TokenWeight, cfg.EditWeight = def.TokenWeight, def.EditWeight
	}
	if cfg.PhoneticBonus < 0 {
		cfg.PhoneticBonus = 0
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	return &Matcher{cfg: cfg}
}

// Config returns the effective configuration.
func (m *Matcher) Config() Config {
	return m.cfg
}

// Similarity returns a symmetric score in [0,1]. Identical non-empty names
// score 1; a pair with an empty side scores 0.
func (m *Matcher) Similarity(a, b normalize.Name) float64 {
	if a.IsEmpty() || b.IsEmpty() {
		return 0
	}

	tokens := jaccard(a.Tokens, b.Tokens)
	edit := editRatio(a.String(), b.String())

	score := (m.cfg.TokenWeight*tokens + m.cfg.EditWeight*edit) / (m.cfg.TokenWeight + m.cfg.EditWeight)
	if a.PhoneticKey != "" && a.PhoneticKey == b.PhoneticKey {
		score += m.cfg.PhoneticBonus
	}
	return clamp(score)
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seenB := make(map[string]bool, len(b))
	for _, t := range b {
		if seenB[t] {
			continue
		}
		seenB[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func editRatio(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Candidate is one name in a candidate pool. Key identifies the owner; several
// candidates may share a key when an identity is known by more than one name.
type Candidate struct {
	Key  int64
	Name normalize.Name
}

// Match is a scored candidate.
type Match struct {
	Candidate Candidate
	Score     float64
}

type query struct {
	threshold  float64
	maxResults int
}

// QueryOption overrides BestMatches defaults.
type QueryOption func(*query)

// WithThreshold sets the minimum score.
func WithThreshold(t float64) QueryOption {
	return func(q *query) { q.threshold = t }
}

// WithMaxResults sets the result limit. Values <= 0 keep the default.
func WithMaxResults(n int) QueryOption {
	return func(q *query) {
		if n > 0 {
			q.maxResults = n
		}
	}
}

func (m *Matcher) query(opts []QueryOption) query {
	q := query{threshold: m.cfg.Threshold, maxResults: m.cfg.MaxResults}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// BestMatches scores every candidate against target and returns those scoring
// at least the threshold, highest first. Equal scores keep input order.
func (m *Matcher) BestMatches(target normalize.Name, candidates []Candidate, opts ...QueryOption) []Match {
	q := m.query(opts)

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		score := m.Similarity(target, c.Name)
		if score >= q.threshold {
			matches = append(matches, Match{Candidate: c, Score: score})
		}
	}
	return rank(matches, q.maxResults)
}

// BestMatchesByKey is BestMatches with candidates sharing a key collapsed to
// their highest score. Ties keep the first-seen key order.
func (m *Matcher) BestMatchesByKey(target normalize.Name, candidates []Candidate, opts ...QueryOption) []Match {
	q := m.query(opts)

	best := make(map[int64]int)
	var matches []Match
	for _, c := range candidates {
		score := m.Similarity(target, c.Name)
		if i, ok := best[c.Key]; ok {
			if score > matches[i].Score {
				matches[i] = Match{Candidate: c, Score: score}
			}
			continue
		}
		best[c.Key] = len(matches)
		matches = append(matches, Match{Candidate: c, Score: score})
	}

	kept := matches[:0]
	for _, mt := range matches {
		if mt.Score >= q.threshold {
			kept = append(kept, mt)
		}
	}
	return rank(kept, q.maxResults)
}

func rank(matches []Match, limit int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
