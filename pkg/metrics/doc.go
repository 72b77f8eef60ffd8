/*
Package metrics defines the Prometheus collectors exported by the Jax
daemon: blob store write volume, background job throughput and failures,
sync progress and reconciliation cycles.
*/
package metrics
