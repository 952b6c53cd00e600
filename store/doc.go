// Package store provides types.StateStore implementations.
//
// Three backends share one contract (see types.KeyValue):
//   - NATS JetStream KV (NewNATS), the production default
//   - Redis (NewRedis), hashes plus Lua compare-and-swap and pub/sub change feeds
//   - in-memory (NewMemory), for tests and single-process development
//
// Every backend assigns monotonically increasing revisions per bucket, rejects
// stale compare-and-swap writes with types.ErrRevisionMismatch, and replays the
// bucket before streaming live changes on Watch.
package store
