/*
Package manifest defines the signed, chained version object of a bucket
and its share model. A manifest's blob hash is the bucket's version
identity; the Previous links form the bucket's history; the shares map
carries the wrapped bucket secret for every Owner and Mirror, or a
plaintext secret when the bucket is published.

VerifyProvenance is the gate every manifest passes before it is accepted
into a log: signature, authorship, legal share evolution, and chain
continuity.
*/
package manifest
