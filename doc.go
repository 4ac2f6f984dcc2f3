// Package herdsync is the local-first synchronization layer of a farm records
// client. This package is the persistent cache store every other component builds on:
// a namespaced key/value store with per-entry TTL, prefix invalidation and an expiry
// sweep, running on a pluggable storage medium.
//
// Components:
//   - Store: framed entries (timestamp, TTL, entry version) over a Provider.
//   - Provider: byte medium (SQLite file, Redis, BigCache, Ristretto).
//   - Codec[V]: payload encoding (JSON, CBOR, Msgpack, Protobuf).
//   - Bucket[V]: typed, prefixed view with a Codec[V].
//   - queue, syncer, lineage: mutation queue, delta sync engine and lineage
//     loader, all persisting through a Store.
//
// Keys:
//
//	<ns>:queue:mutations                                    - persisted mutation queue
//	<ns>:sync:checkpoint:<resource>                         - fingerprint + last sync timestamp
//	<ns>:sync:fingerprint:<resource>                        - last fingerprint seen by a change probe
//	<ns>:records:<resource>                                 - cached records, keyed by id
//	<ns>:lists:<resource>:<params>                          - cached list queries, dropped on sync
//	<ns>:lineage:<entity>:<type>:<root>:<depth>:<params>    - cached lineage graphs
//
// Storage failures never panic: reads degrade to a miss and writes to a no-op, and
// the returned error wraps ErrStorageUnavailable so callers can tell "no data"
// from "storage broken".
package herdsync
