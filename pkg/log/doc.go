/*
Package log provides structured logging for Jax using zerolog.

A single global logger is initialized via Init and shared across the daemon.
Long-lived components derive child loggers with WithComponent so every line
carries its origin; WithBucket and WithPeer add the identifiers most log
queries filter on.
*/
package log
