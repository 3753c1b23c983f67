package dte

// VerdictKind tags the authority's answer for a submission
type VerdictKind string

const (
	VerdictAccepted    VerdictKind = "ACCEPTED"
	VerdictRejected    VerdictKind = "REJECTED"
	VerdictPending     VerdictKind = "PENDING"
	VerdictNotReceived VerdictKind = "NOT_RECEIVED"
)

// RejectionClass enumerates the authority's rejection families
type RejectionClass string

const (
	RejectionSchema         RejectionClass = "SCHEMA"
	RejectionDuplicateFolio RejectionClass = "DUPLICATE_FOLIO"
	RejectionBusiness       RejectionClass = "BUSINESS"
)

// DocumentVerdict is the authority's answer for one member document
type DocumentVerdict struct {
	DocType DocumentType
	Folio   int64
	Kind    VerdictKind
	Code    string
	Detail  string
}

// Verdict is the tagged outcome of a submit, lookup or poll
type Verdict struct {
	Kind      VerdictKind
	TrackID   string
	Code      string
	Detail    string
	Rejection RejectionClass
	Documents []DocumentVerdict
}

// Accepted builds an ACCEPTED verdict
func Accepted(trackID, code, detail string) Verdict {
	return Verdict{Kind: VerdictAccepted, TrackID: trackID, Code: code, Detail: detail}
}

// Rejected builds a REJECTED verdict
func Rejected(trackID string, class RejectionClass, code, detail string) Verdict {
	return Verdict{Kind: VerdictRejected, TrackID: trackID, Rejection: class, Code: code, Detail: detail}
}

// Pending builds a PENDING verdict carrying the track id to poll
func Pending(trackID, code, detail string) Verdict {
	return Verdict{Kind: VerdictPending, TrackID: trackID, Code: code, Detail: detail}
}

// NotReceived builds a verdict confirming the authority never got the envelope
func NotReceived(code, detail string) Verdict {
	return Verdict{Kind: VerdictNotReceived, Code: code, Detail: detail}
}

// IsFinal reports whether the verdict resolves the documents it covers
func (v Verdict) IsFinal() bool {
	return v.Kind == VerdictAccepted || v.Kind == VerdictRejected
}

// ForDocument narrows an envelope verdict to one member. A per-document
// entry reported by the authority overrides the envelope-level outcome.
func (v Verdict) ForDocument(docType DocumentType, folio int64) DocumentVerdict {
	for _, d := range v.Documents {
		if d.DocType == docType && d.Folio == folio {
			return d
		}
	}
	return DocumentVerdict{
		DocType: docType,
		Folio:   folio,
		Kind:    v.Kind,
		Code:    v.Code,
		Detail:  v.Detail,
	}
}
