// Package memory is the episodic memory of resolverd.
//
// Episodes are appended to the persistent store at decision time and
// retrieved by similarity when a new diagnosis arrives. Retrieval builds a
// term-frequency / inverse-document-frequency vector space over the
// exception descriptions of the historical corpus, scores candidates by
// cosine similarity against the query, and multiplies each raw score by an
// exponential recency decay exp(-lambda × ageDays) before ranking.
//
// Retrieval never fails a resolution: an empty corpus returns an empty
// list, and a vectorization failure degrades to exact string-equality
// matching with the degradation reported to the caller.
package memory
