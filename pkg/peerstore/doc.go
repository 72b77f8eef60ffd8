// Package peerstore keeps the daemon's address book of known peers in a
// small BoltDB database: dial hints and last-seen times keyed by public
// key.
package peerstore
