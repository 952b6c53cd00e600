package strategy

import (
	"errors"
	"fmt"

	"github.com/arloliu/chatroute/types"
)

// ErrUnknownStrategy indicates that a strategy name is not recognized.
var ErrUnknownStrategy = errors.New("unknown selection strategy")

// Names accepted by ByName.
const (
	NameLeastLoaded      = "least-loaded"
	NameLeastUtilized    = "least-utilized"
	NameCustomerAffinity = "customer-affinity"
)

// ByName returns the built-in strategy registered under name.
//
// An empty name selects LeastLoaded.
//
// Parameters:
//   - name: Strategy name from configuration
//
// Returns:
//   - types.SelectionStrategy: The strategy
//   - error: ErrUnknownStrategy for unrecognized names
func ByName(name string) (types.SelectionStrategy, error) {
	switch name {
	case "", NameLeastLoaded:
		return NewLeastLoaded(), nil
	case NameLeastUtilized:
		return NewLeastUtilized(), nil
	case NameCustomerAffinity:
		return NewAffinity(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
