package enums

import "fmt"

// OutboxAggregateType identifies the entity an outbox event is about.
type OutboxAggregateType string

const (
	AggregateLoan OutboxAggregateType = "loan"
	AggregateBook OutboxAggregateType = "book"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateLoan,
	AggregateBook,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names a loan lifecycle event.
type OutboxEventType string

const (
	EventLoanBorrowed OutboxEventType = "loan_borrowed"
	EventLoanReturned OutboxEventType = "loan_returned"
	EventLoanOverdue  OutboxEventType = "loan_overdue"
)

var validOutboxEventTypes = []OutboxEventType{
	EventLoanBorrowed,
	EventLoanReturned,
	EventLoanOverdue,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
