// Package election provides leader election over the shared state store.
//
// Exactly one engine instance runs the background coordination loops: request
// expiry, automatic dispatch, presence expiry and load reconciliation. Instances
// compete for a single lease key in the election bucket:
//   - Create (atomic): acquire leadership if the key does not exist
//   - Update (with revision): renew while still holding the lease
//   - Delete: release leadership
//
// The election bucket's TTL bounds how long a crashed leader blocks failover.
// Every successful renewal rewrites the key and restarts its TTL.
//
// # Usage
//
//	kv, _ := st.Bucket(ctx, types.BucketConfig{Name: "chatroute-election", TTL: 15 * time.Second})
//	agent := election.NewKV(kv, "leader")
//
//	isLeader, err := agent.RequestLeadership(ctx, instanceID, 15)
//	if err != nil {
//	    return err
//	}
//	if isLeader {
//	    // renew every TTL/3 with agent.RenewLeadership(ctx)
//	}
package election
