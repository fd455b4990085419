package memory

import (
	"math"
	"strings"
	"unicode"
)

// stopwords are common English terms excluded from the vector space. The
// exception descriptions are short, so a compact list is enough.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "no": true, "not": true,
}

// tokenize lowercases and splits text on non-alphanumeric runes, dropping
// stopwords. Deterministic: identical text always yields identical tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// vectorizer holds the inverse-document-frequency weights fitted over one
// corpus snapshot. It is rebuilt per retrieval: the corpus is the episode
// log, which grows between calls.
type vectorizer struct {
	idf  map[string]float64
	docs int
}

// fitVectorizer computes smoothed IDF weights over the corpus:
// idf(t) = ln((1 + N) / (1 + df(t))) + 1.
// Returns false when the corpus yields no usable terms.
func fitVectorizer(corpus [][]string) (*vectorizer, bool) {
	df := make(map[string]int)
	usable := 0
	for _, tokens := range corpus {
		if len(tokens) == 0 {
			continue
		}
		usable++
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	if usable == 0 || len(df) == 0 {
		return nil, false
	}
	v := &vectorizer{idf: make(map[string]float64, len(df)), docs: usable}
	for t, n := range df {
		v.idf[t] = math.Log(float64(1+usable)/float64(1+n)) + 1
	}
	return v, true
}

// transform maps tokens to an L2-normalized tf-idf vector. Terms absent
// from the fitted vocabulary are dropped. Returns false for a vector with
// no weight (all terms unknown or no tokens).
func (v *vectorizer) transform(tokens []string) (map[string]float64, bool) {
	if len(tokens) == 0 {
		return nil, false
	}
	tf := make(map[string]float64)
	for _, t := range tokens {
		if _, ok := v.idf[t]; ok {
			tf[t]++
		}
	}
	if len(tf) == 0 {
		return nil, false
	}
	var norm float64
	for t := range tf {
		tf[t] = tf[t] / float64(len(tokens)) * v.idf[t]
		norm += tf[t] * tf[t]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, false
	}
	for t := range tf {
		tf[t] /= norm
	}
	return tf, true
}

// cosine returns the dot product of two L2-normalized sparse vectors,
// which is their cosine similarity.
func cosine(a, b map[string]float64) float64 {
	// Iterate the smaller map.
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a {
		if w2, ok := b[t]; ok {
			dot += w * w2
		}
	}
	// Identical vectors must score exactly 1, but summing the products of
	// their normalized weights accumulates float error on either side of
	// it. Snap anything within epsilon of 1 to 1.
	if dot > 1-1e-12 {
		dot = 1
	}
	return dot
}
