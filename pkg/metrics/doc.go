/*
Package metrics defines and registers the node's Prometheus metrics:
mempool occupancy, consensus height/view/leadership, replication
throughput, CI run outcomes, and audit/rate-limit counters. Metrics are
package-level vars registered at init time and exposed via Handler for
an external HTTP collaborator to mount.
*/
package metrics
