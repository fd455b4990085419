// Package record parses arbitrary structured payloads into the typed
// fields the detector reasons over.
//
// The parser is tolerant by design: unknown fields are collected rather
// than rejected, numeric fields accept both numbers and numeric strings,
// and each parse carries an extraction confidence reflecting how much of
// the expected shape was found. Only a payload that yields none of the
// expected fields is a validation failure.
package record
