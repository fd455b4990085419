// Package meta tracks system fitness and manages the linear modification
// history over strategy weights and registry priors, including rollback.
package meta
