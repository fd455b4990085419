// Package resolver runs the exception-resolution pipeline: diagnosis,
// similar-case retrieval, strategy simulation, decision selection,
// episode persistence, and the meta update.
package resolver
