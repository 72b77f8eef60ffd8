/*
Package peer implements the peer protocol and its background machinery.

Control messages (ping/pong) travel one request and one response per
authenticated stream, framed as deterministic CBOR and delimited by
closing the write side. Manifest-chain sync walks a remote chain backward
to a common ancestor, verifies every signature and the chain's
provenance, and appends only after the whole chain validates.

A Builder assembles the Peer and splits off its Worker: the peer handle
is freely clonable, while the worker owns the job receiver and runs the
single cooperative loop that drains sync, ping, and pin-download jobs and
schedules periodic pings.
*/
package peer
