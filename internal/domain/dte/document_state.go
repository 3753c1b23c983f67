package dte

// DocumentState is the lifecycle state of a document
type DocumentState string

const (
	StateDraft            DocumentState = "DRAFT"
	StateFolioAssigned    DocumentState = "FOLIO_ASSIGNED"
	StateSigned           DocumentState = "SIGNED"
	StateSubmitted        DocumentState = "SUBMITTED"
	StateAccepted         DocumentState = "ACCEPTED"
	StateRejected         DocumentState = "REJECTED"
	StateUnknown          DocumentState = "UNKNOWN"
	StateSubmissionFailed DocumentState = "SUBMISSION_FAILED"
	StateVoided           DocumentState = "VOIDED"
)

var documentTransitions = map[DocumentState][]DocumentState{
	StateDraft:            {StateFolioAssigned},
	StateFolioAssigned:    {StateSigned, StateVoided},
	StateSigned:           {StateSubmitted, StateSubmissionFailed, StateRejected, StateUnknown},
	StateSubmitted:        {StateAccepted, StateRejected, StateUnknown},
	StateUnknown:          {StateAccepted, StateRejected, StateSubmitted, StateSubmissionFailed},
	StateSubmissionFailed: {StateSigned, StateVoided},
}

// IsValid checks if the state is known
func (s DocumentState) IsValid() bool {
	switch s {
	case StateDraft, StateFolioAssigned, StateSigned, StateSubmitted, StateAccepted,
		StateRejected, StateUnknown, StateSubmissionFailed, StateVoided:
		return true
	}
	return false
}

// String returns the string representation of DocumentState
func (s DocumentState) String() string {
	return string(s)
}

// CanTransitionTo checks if the state can move to target
func (s DocumentState) CanTransitionTo(target DocumentState) bool {
	for _, allowed := range documentTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s DocumentState) IsTerminal() bool {
	return len(documentTransitions[s]) == 0
}

// AwaitsAuthority reports whether the authority's verdict is still outstanding
func (s DocumentState) AwaitsAuthority() bool {
	return s == StateSubmitted || s == StateUnknown
}
