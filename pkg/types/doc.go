/*
Package types defines the core identity types shared across Jax: BLAKE3
content hashes and codec-tagged links. Everything else in the system refers
to stored bytes through these two types.
*/
package types
