// Package events implements the node's event bus: a buffered,
// non-reordering fan-out broker publishing consensus, replication, and
// CI lifecycle events to subscribers such as the replication protocol
// and any external collaborator observing node state.
package events
