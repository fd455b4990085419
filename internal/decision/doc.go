// Package decision selects the final action for a diagnosed record from
// simulated candidate strategies.
package decision
