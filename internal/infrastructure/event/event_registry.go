package event

import "github.com/erp/dte/internal/domain/dte"

// RegisterDTEEvents registers the document lifecycle events so the outbox
// relay can rebuild them from their stored payloads
func RegisterDTEEvents(serializer *EventSerializer) {
	serializer.Register(dte.EventTypeDocumentSigned, &dte.DocumentSignedEvent{})
	serializer.Register(dte.EventTypeDocumentAccepted, &dte.DocumentAcceptedEvent{})
	serializer.Register(dte.EventTypeDocumentRejected, &dte.DocumentRejectedEvent{})
	serializer.Register(dte.EventTypeFolioVoided, &dte.FolioVoidedEvent{})
	serializer.Register(dte.EventTypeSubmissionFailed, &dte.SubmissionFailedEvent{})
}

// NewDTESerializer returns a serializer that knows every document event
func NewDTESerializer() *EventSerializer {
	s := NewEventSerializer()
	RegisterDTEEvents(s)
	return s
}
