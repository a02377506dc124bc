/*
Package storage provides the partitioned key-value store behind the
registry.

A Store is addressed by partition and row. Rows are independent: each
operation is atomic for one row and nothing spans rows. BoltStore maps
partitions to bbolt buckets inside <dataDir>/provisioner.db.

# Row Versions

Every stored value is prefixed with an 8 byte big-endian version that
is taken from the bucket sequence on each write, so versions never repeat
within a partition:

	┌────────────┬──────────────────────────┐
	│ version u64│ value (JSON)             │
	└────────────┴──────────────────────────┘

Update reads the row and its version in one transaction, runs the
caller's ModifyFunc outside of it, and commits only if the version is
unchanged. A lost race is retried, paced by a rate limiter, until the
retry budget is spent and ErrTooManyRetries is returned. Conflicts are
counted in provisioner_store_update_conflicts_total.

# Errors

	ErrNotFound        row does not exist
	ErrExists          Create on a present row
	ErrModified        version changed between read and write
	ErrTooManyRetries  Update gave up
*/
package storage
