package types

// SelectionStrategy picks the operator for a new chat from a registry snapshot.
//
// Implementations must be deterministic: the same snapshot always yields the same
// operator. Finding no operator is a normal outcome, not an error.
//
// Built-in implementations are in the strategy package.
type SelectionStrategy interface {
	// Select returns the chosen operator ID.
	//
	// Parameters:
	//   - operators: Registry snapshot in registration order
	//
	// Returns:
	//   - string: Chosen operator ID
	//   - bool: false when no operator qualifies
	Select(operators []OperatorStatus) (string, bool)
}

// CustomerAwareStrategy is a SelectionStrategy that can route by customer.
//
// Auto-assign calls SelectFor when the configured strategy implements it.
type CustomerAwareStrategy interface {
	SelectionStrategy

	// SelectFor returns the operator for customerID, with the same contract as Select.
	SelectFor(customerID string, operators []OperatorStatus) (string, bool)
}
