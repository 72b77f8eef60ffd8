/*
Package reconcile collapses orphaned bucket branches onto the canonical
head. The engine watches the bucket log for entries unreachable from the
canonical chain, merges their novel operations under the bucket's
conflict resolver, produces one merged manifest at canonical height plus
one, and records every branch in the merge log so the next pass skips it.
*/
package reconcile
