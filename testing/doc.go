// Package testing provides test utilities for the chatroute engine.
//
// This package offers helpers for setting up backing stores in tests. It
// follows Go's convention of providing testing utilities in a dedicated
// package (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - CreateJetStreamKV: Convenience wrapper for KV bucket creation
//   - StartRedis: Redis address from REDIS_URL or a shared testcontainer
//   - NewTestLogger: Logger writing through testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    chattest "github.com/arloliu/chatroute/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := chattest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
