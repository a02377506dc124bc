/*
Package reconciler runs the provisioner's periodic housekeeping.

Each cycle performs, in order:

  - secrets: remove secrets whose expiration has passed
  - states: remove snapshots of worker types that no longer exist
  - gauges: refresh the record count and capacity gauges

A failing step is logged and does not prevent the following ones; the
first error is reported for the cycle. A cycle runs immediately on
Start and then every interval (10 minutes by default).
*/
package reconciler
