/*
Package registry holds the provisioner's persistent records: worker type
definitions, AMI sets, bootstrap secrets and per worker type capacity
snapshots.

Each collection is a small service over a storage.Store partition:

	Registry
	  ├── WorkerTypes   worker-types    definitions, launch spec validation
	  ├── AmiSets       ami-sets        image ids by virtualization and region
	  ├── Secrets       secrets         sealed payloads keyed by token
	  └── States        worker-states   latest snapshot from the provisioning loop

# Idempotent Creation

Create on worker types, AMI sets and secrets may be replayed. A create
for a row that already exists succeeds when the stored record matches
the request on the record's identity fields, and returns ErrConflict
otherwise. The comparison runs on the stored form of both values, so a
replay that differs only in JSON number formatting or empty versus
missing collections is still a replay. Timestamps never take part.

# Updates

Updates are read-modify-write cycles through Store.Update. When another
writer wins the race the cycle is retried a bounded number of times and
storage.ErrTooManyRetries surfaces once the budget is spent.

# Secrets

Secret payloads are sealed with security.SecretsManager before they are
written, bound to their token. Fetching a secret does not delete it;
the provisioning loop removes it once the instance reports in, and the
reconciler sweeps expired ones.

# Capacity

Summarize derives a capacity summary from a definition and a snapshot:
every running instance counts its instance type's capacity as running,
every pending one as pending, and every open or internally tracked
request as requested. Instance types missing from the definition
contribute nothing.
*/
package registry
