// Package events publishes resolution outcomes to NATS. Publishing is
// fire-and-forget and never affects the decision path; with no broker
// configured the publisher is a no-op.
package events
