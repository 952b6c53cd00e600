package strategy

import (
	"github.com/arloliu/chatroute/internal/hash"
	"github.com/arloliu/chatroute/types"
)

// Affinity routes each customer to the same operator whenever that operator
// can take the chat.
type Affinity struct {
	virtualNodes int
	hashSeed     uint64
	fallback     types.SelectionStrategy
}

var _ types.CustomerAwareStrategy = (*Affinity)(nil)

// AffinityOption configures an Affinity strategy.
type AffinityOption func(*Affinity)

// NewAffinity creates the customer-affinity strategy.
//
// Operators are placed on a consistent hash ring. A customer goes to the first
// assignable operator clockwise from the customer's position, so returning
// customers reach the operator they talked to before, and an operator going
// offline only moves its own customers.
//
// Parameters:
//   - opts: Optional configuration (WithVirtualNodes, WithHashSeed, WithFallback)
//
// Returns:
//   - *Affinity: Initialized affinity strategy
//
// Example:
//
//	s := strategy.NewAffinity(strategy.WithVirtualNodes(128))
//	eng, err := chatroute.NewEngine(&cfg, st, chatroute.WithStrategy(s))
func NewAffinity(opts ...AffinityOption) *Affinity {
	a := &Affinity{
		virtualNodes: 64,
		fallback:     NewLeastLoaded(),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// WithVirtualNodes sets the ring points per operator (default: 64).
func WithVirtualNodes(nodes int) AffinityOption {
	return func(a *Affinity) {
		if nodes > 0 {
			a.virtualNodes = nodes
		}
	}
}

// WithHashSeed sets the ring hash seed.
func WithHashSeed(seed uint64) AffinityOption {
	return func(a *Affinity) {
		a.hashSeed = seed
	}
}

// WithFallback sets the strategy used when no customer is known (default: LeastLoaded).
func WithFallback(s types.SelectionStrategy) AffinityOption {
	return func(a *Affinity) {
		if s != nil {
			a.fallback = s
		}
	}
}

// Select delegates to the fallback strategy.
func (a *Affinity) Select(operators []types.OperatorStatus) (string, bool) {
	return a.fallback.Select(operators)
}

// SelectFor returns the first assignable operator on the ring after customerID.
//
// The ring holds every operator in the snapshot, assignable or not, so a
// customer's position does not shift while operators fill up or step away.
// An empty customerID falls back to Select.
func (a *Affinity) SelectFor(customerID string, operators []types.OperatorStatus) (string, bool) {
	if customerID == "" {
		return a.Select(operators)
	}

	ids := make([]string, 0, len(operators))
	byID := make(map[string]*types.OperatorStatus, len(operators))
	for i := range operators {
		ids = append(ids, operators[i].ID)
		byID[operators[i].ID] = &operators[i]
	}

	ring := hash.NewRing(ids, a.virtualNodes, a.hashSeed)
	for _, id := range ring.Successors(customerID) {
		if byID[id].IsAssignable() {
			return id, true
		}
	}

	return "", false
}

// SelectFor runs s for a customer, using CustomerAwareStrategy when s implements it.
func SelectFor(s types.SelectionStrategy, customerID string, operators []types.OperatorStatus) (string, bool) {
	if ca, ok := s.(types.CustomerAwareStrategy); ok {
		return ca.SelectFor(customerID, operators)
	}

	return s.Select(operators)
}
