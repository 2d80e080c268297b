// Package objects stores content-addressed Git objects (blobs, trees,
// commits, tags) behind a single Store capability. MemStore backs
// tests and ephemeral nodes; BoltStore backs production nodes with a
// bbolt column-family layout and a bloom filter guarding lookups.
package objects
