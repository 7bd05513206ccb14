package goentitle

// ProcessingStatus tracks how far a BillingEvent got through the pipeline
type ProcessingStatus string

const (
	ProcessingReceived             ProcessingStatus = "received"
	ProcessingProcessed            ProcessingStatus = "processed"
	ProcessingPendingUser          ProcessingStatus = "pending_user"
	ProcessingReceivedUnknownType  ProcessingStatus = "received_unknown_type"
	ProcessingProcessedUnknownType ProcessingStatus = "processed_unknown_type"
)

// transitions lists the only forward moves allowed between statuses
var transitions = map[ProcessingStatus][]ProcessingStatus{
	ProcessingReceived: {
		ProcessingProcessed,
		ProcessingPendingUser,
		ProcessingReceivedUnknownType,
	},
	ProcessingReceivedUnknownType: {
		ProcessingProcessedUnknownType,
	},
}

// CanTransitionTo reports whether moving from s to next is a valid transition
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s
func (s ProcessingStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// InitialStatus returns the status an event is first recorded with
func InitialStatus(eventTypeKnown bool) ProcessingStatus {
	if eventTypeKnown {
		return ProcessingReceived
	}
	return ProcessingReceivedUnknownType
}
