/*
Package bucketlog keeps the durable, local index of every validated
manifest link per bucket: a height-indexed append log with canonical-head
selection (maximum link at the maximum height), conflict rejection on
append, orphaned-branch detection, and the merge log that records
reconciliations.

A bucket moves Empty → Genesis → Linear, forks into multiple heads when
peers race, and returns to Linear after reconciliation.
*/
package bucketlog
