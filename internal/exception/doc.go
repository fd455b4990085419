// Package exception defines the closed set of record anomalies the
// detector can raise and the severity model shared across the pipeline.
//
// An Exception is a tagged variant: the Tag identifies the anomaly class,
// the Severity drives escalation policy, and the payload fields carry the
// observed values that produced it. The set of tags is closed so that
// downstream components (strategy preconditions, escalation rules) can
// match exhaustively instead of probing free-form maps.
package exception
