// Package cryptoutil holds the hashing helpers used to verify dataset
// releases: SHA-256 digests, digest syntax checks and constant-time
// comparison.
package cryptoutil
