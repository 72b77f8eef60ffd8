// Package codec provides the deterministic CBOR encoding shared by all
// content-addressed payloads.
package codec
