// Package refresh reloads the transit dataset from published releases.
//
// A release is a gzipped newline-delimited JSON object in S3, named by the
// hex SHA-256 of its bytes. An SSM parameter per job points at the current
// release. Running a job downloads the release, verifies the digest,
// decodes it and replaces every collection the job owns in the store.
//
// Jobs are triggered on demand by the admin endpoints. Runs are not
// coalesced; two concurrent runs of the same job each replace the
// collections and the last commit wins.
package refresh
