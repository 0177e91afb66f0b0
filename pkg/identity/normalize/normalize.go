// Package normalize canonicalizes person and team names for matching.
package normalize

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// DefaultSuffixes are generational suffixes dropped from names.
var DefaultSuffixes = []string{"jr", "sr", "ii", "iii", "iv"}

// Name is a normalized name: an ordered set of tokens and a phonetic key.
type Name struct {
	Tokens      []string `json:"tokens"`
	PhoneticKey string   `json:"phonetic_key"`
}

// String joins the tokens with single spaces.
func (n Name) String() string {
	return strings.Join(n.Tokens, " ")
}

// IsEmpty reports whether the name has no tokens.
func (n Name) IsEmpty() bool {
	return len(n.Tokens) == 0
}

// Equal reports whether two names have the same tokens in the same order.
func (n Name) Equal(o Name) bool {
	if len(n.Tokens) != len(o.Tokens) {
		return false
	}
	for i := range n.Tokens {
		if n.Tokens[i] != o.Tokens[i] {
			return false
		}
	}
	return n.PhoneticKey == o.PhoneticKey
}

// Validate reports a malformed Name, one not produced by Normalize.
func (n Name) Validate() error {
	seen := make(map[string]bool, len(n.Tokens))
	for _, tok := range n.Tokens {
		if tok == "" {
			return fmt.Errorf("empty token: %w", cierrors.ErrValidation)
		}
		for _, r := range tok {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) || unicode.IsUpper(r) {
				return fmt.Errorf("token %q has rune %q: %w", tok, r, cierrors.ErrValidation)
			}
		}
		if seen[tok] {
			return fmt.Errorf("duplicate token %q: %w", tok, cierrors.ErrValidation)
		}
		seen[tok] = true
	}
	if want := phoneticKey(n.Tokens); n.PhoneticKey != want {
		return fmt.Errorf("phonetic key %q, want %q: %w", n.PhoneticKey, want, cierrors.ErrValidation)
	}
	return nil
}

// Normalizer turns raw names into Names. The zero value is not usable; call New.
type Normalizer struct {
	suffixes map[string]bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSuffixes replaces the set of dropped suffix tokens. Suffixes are
// compared after normalization, so "Jr." and "jr" are equivalent.
func WithSuffixes(suffixes ...string) Option {
	return func(n *Normalizer) {
		n.suffixes = make(map[string]bool, len(suffixes))
		for _, s := range suffixes {
			for _, tok := range tokenize(s) {
				n.suffixes[tok] = true
			}
		}
	}
}

// New returns a Normalizer using DefaultSuffixes unless overridden.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	WithSuffixes(DefaultSuffixes...)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var standard = New()

// Normalize normalizes name with the default suffix set.
func Normalize(name string) Name {
	return standard.Normalize(name)
}

// Normalize lowercases, folds diacritics, strips punctuation and generational
// suffixes, and de-duplicates tokens. It never fails: input without letters or
// digits yields an empty Name.
//
//   - "Patrick Mahomes II" → [patrick mahomes]
//   - "D'Andre Swift" → [dandre swift]
//   - "José Abreu" → [jose abreu]
func (n *Normalizer) Normalize(name string) Name {
	raw := tokenize(name)

	tokens := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, tok := range raw {
		if n.suffixes[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	// A name made only of suffix tokens keeps them.
	if len(tokens) == 0 {
		for _, tok := range raw {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}

	if len(tokens) == 0 {
		return Name{Tokens: []string{}}
	}
	return Name{Tokens: tokens, PhoneticKey: phoneticKey(tokens)}
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))

func tokenize(s string) []string {
	folded, _, err := transform.String(foldMarks, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'' || r == '’' || r == '.':
			// dropped without splitting: "O'Neil" -> "oneil", "T.J." -> "tj"
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

func phoneticKey(tokens []string) string {
	codes := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if c := Soundex(tok); c != "" {
			codes = append(codes, c)
		}
	}
	return strings.Join(codes, " ")
}
