// Package httpapi exposes the resolution pipeline over HTTP: resolve,
// statistics, fitness, and modification rollback endpoints plus health
// and Prometheus metrics.
package httpapi
