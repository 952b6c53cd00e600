package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRing(t *testing.T) {
	members := []string{"op-0", "op-1", "op-2", "op-1"}
	ring := NewRing(members, 100, 0)

	require.Equal(t, 300, ring.Size())
	require.Equal(t, []string{"op-0", "op-1", "op-2"}, ring.Members())

	empty := NewRing(nil, 100, 0)
	require.Equal(t, 0, empty.Size())
	require.Empty(t, empty.Owner("c-1"))
	require.Nil(t, empty.Successors("c-1"))
}

func TestRing_Owner(t *testing.T) {
	t.Run("consistent", func(t *testing.T) {
		ring := NewRing([]string{"op-0", "op-1"}, 150, 0)

		for _, key := range []string{"cust-a", "cust-b", "xyz"} {
			first := ring.Owner(key)
			require.Equal(t, first, ring.Owner(key))
			require.Contains(t, []string{"op-0", "op-1"}, first)
		}
	})

	t.Run("distributes keys", func(t *testing.T) {
		members := []string{"op-0", "op-1", "op-2"}
		ring := NewRing(members, 150, 0)

		counts := make(map[string]int)
		for i := range 1000 {
			counts[ring.Owner(fmt.Sprintf("customer-%d", i))]++
		}

		expected := 1000 / len(members)
		tolerance := expected * 25 / 100
		for _, m := range members {
			require.GreaterOrEqual(t, counts[m], expected-tolerance, "member %s under-assigned", m)
			require.LessOrEqual(t, counts[m], expected+tolerance, "member %s over-assigned", m)
		}
	})

	t.Run("removing a member only moves its keys", func(t *testing.T) {
		before := NewRing([]string{"op-0", "op-1", "op-2"}, 150, 0)
		after := NewRing([]string{"op-0", "op-2"}, 150, 0)

		for i := range 500 {
			key := fmt.Sprintf("customer-%d", i)
			if owner := before.Owner(key); owner != "op-1" {
				require.Equal(t, owner, after.Owner(key), "key %s moved", key)
			}
		}
	})

	t.Run("seed changes placement", func(t *testing.T) {
		members := []string{"op-0", "op-1", "op-2", "op-3"}
		a := NewRing(members, 50, 0)
		b := NewRing(members, 50, 12345)

		differs := false
		for i := range 100 {
			key := fmt.Sprintf("customer-%d", i)
			if a.Owner(key) != b.Owner(key) {
				differs = true
				break
			}
		}
		require.True(t, differs)
	})
}

func TestRing_Successors(t *testing.T) {
	members := []string{"op-0", "op-1", "op-2", "op-3"}
	ring := NewRing(members, 64, 0)

	for i := range 50 {
		key := fmt.Sprintf("customer-%d", i)
		succ := ring.Successors(key)

		require.Len(t, succ, len(members))
		require.ElementsMatch(t, members, succ)
		require.Equal(t, ring.Owner(key), succ[0])
	}
}
