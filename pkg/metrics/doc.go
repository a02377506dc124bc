/*
Package metrics defines the provisioner's Prometheus metrics and its
health and readiness reporting.

All collectors are package variables registered at init and exposed by
Handler. Record counts and capacity are gauges refreshed by the
reconciler; registry outcomes (replays, conflicts, rejected launch
specifications, issued credentials) are counters; API and
reconciliation latency are histograms.

Components report their health with SetComponent, which also sets
provisioner_component_healthy. The server is ready only while every
critical component ("storage" and "api") is healthy.
*/
package metrics
