/*
Package crypto holds the key material types for Jax peers and buckets.

Peers are identified by Ed25519 keys. Bucket content is encrypted under a
symmetric bucket secret (SecretShare) with AES-256-GCM; the secret is
distributed to sharees by wrapping it with an X25519 agreement against each
recipient's Ed25519 identity.
*/
package crypto
