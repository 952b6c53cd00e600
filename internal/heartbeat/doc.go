// Package heartbeat tracks operator presence through TTL keys in the presence bucket.
//
// While an operator's dashboard is connected the engine runs a Publisher for that
// session. The publisher marks the operator online, then refreshes a heartbeat key
// every interval. The bucket TTL (about 3x the interval) removes the key when the
// session dies without a clean Stop.
//
// The leader runs a Monitor over the same bucket. An online operator with no live
// heartbeat key and a LastSeen older than the TTL is marked offline, so a status
// report through the API keeps an operator online for one TTL without any stream.
//
// # Key Format
//
//	op.{operatorID}.{session}
//
// Both parts are escaped with kvjson.Key, so an operator with several tabs open
// holds several keys and stays online until the last one lapses.
//
// # Detection
//
// The monitor is hybrid:
//
//   - Watcher: a deleted or expired key schedules a sweep after a 100ms debounce
//   - Polling: a sweep runs every TTL/2 regardless of watch health
package heartbeat
