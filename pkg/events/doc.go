// Package events distributes daemon state changes (sync completions,
// forks, reconciliations) to in-process subscribers over buffered
// channels. Slow subscribers drop events rather than block the daemon.
package events
