package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by the DTE instruments.
var (
	AttrDocType  = attribute.Key("dte.doc_type")
	AttrBranch   = attribute.Key("dte.branch")
	AttrOutcome  = attribute.Key("dte.outcome")
	AttrRejectBy = attribute.Key("dte.reject_code")
)

// SubmissionDurationBuckets cover a fast acceptance up to a full retry window (seconds).
var SubmissionDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 15, 60, 300, 900, 1800}

// Submission outcomes recorded by RecordSubmission.
const (
	OutcomeSubmitted = "submitted"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
)

// DTEMetrics counts lifecycle transitions of issued documents. It subscribes
// to the event bus so services do not call it directly.
type DTEMetrics struct {
	signed     metric.Int64Counter
	accepted   metric.Int64Counter
	rejected   metric.Int64Counter
	voided     metric.Int64Counter
	failed     metric.Int64Counter
	amount     metric.Int64Counter
	submission metric.Float64Histogram
	stock      metric.Int64Gauge
}

// NewDTEMetrics creates the instruments on meter.
func NewDTEMetrics(meter metric.Meter) (*DTEMetrics, error) {
	m := &DTEMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.signed, "dte.documents.signed", "Documents signed and ready for submission"},
		{&m.accepted, "dte.documents.accepted", "Documents accepted by the tax authority"},
		{&m.rejected, "dte.documents.rejected", "Documents rejected by the tax authority"},
		{&m.voided, "dte.folios.voided", "Folios voided after allocation"},
		{&m.failed, "dte.submissions.failed", "Documents whose submission retries were exhausted"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{document}")); err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}

	if m.amount, err = meter.Int64Counter("dte.documents.amount",
		metric.WithDescription("Total amount of signed documents"),
		metric.WithUnit("{CLP}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create counter dte.documents.amount: %w", err)
	}
	if m.submission, err = meter.Float64Histogram("dte.submission.duration",
		metric.WithDescription("Time spent submitting one envelope, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(SubmissionDurationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create histogram dte.submission.duration: %w", err)
	}
	if m.stock, err = meter.Int64Gauge("dte.folios.remaining",
		metric.WithDescription("Unallocated folios across eligible CAFs"),
		metric.WithUnit("{folio}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create gauge dte.folios.remaining: %w", err)
	}
	return m, nil
}

// Handle implements shared.EventHandler.
func (m *DTEMetrics) Handle(ctx context.Context, ev shared.DomainEvent) error {
	switch e := ev.(type) {
	case *dte.DocumentSignedEvent:
		attrs := metric.WithAttributes(AttrDocType.Int(int(e.DocType)), AttrBranch.String(e.Branch))
		m.signed.Add(ctx, 1, attrs)
		m.amount.Add(ctx, e.Total, attrs)
	case *dte.DocumentAcceptedEvent:
		m.accepted.Add(ctx, 1, metric.WithAttributes(AttrDocType.Int(int(e.DocType))))
	case *dte.DocumentRejectedEvent:
		m.rejected.Add(ctx, 1, metric.WithAttributes(AttrDocType.Int(int(e.DocType)), AttrRejectBy.String(e.Code)))
	case *dte.FolioVoidedEvent:
		m.voided.Add(ctx, 1, metric.WithAttributes(AttrDocType.Int(int(e.DocType)), AttrBranch.String(e.Branch)))
	case *dte.SubmissionFailedEvent:
		m.failed.Add(ctx, 1, metric.WithAttributes(AttrDocType.Int(int(e.DocType))))
	}
	return nil
}

// EventTypes implements shared.EventHandler.
func (m *DTEMetrics) EventTypes() []string {
	return []string{
		dte.EventTypeDocumentSigned,
		dte.EventTypeDocumentAccepted,
		dte.EventTypeDocumentRejected,
		dte.EventTypeFolioVoided,
		dte.EventTypeSubmissionFailed,
	}
}

// RecordSubmission records how one envelope submission ended.
func (m *DTEMetrics) RecordSubmission(ctx context.Context, branch, outcome string, d time.Duration) {
	m.submission.Record(ctx, d.Seconds(), metric.WithAttributes(AttrBranch.String(branch), AttrOutcome.String(outcome)))
}

// RecordFolioStock records the folios left for a document type at a branch.
func (m *DTEMetrics) RecordFolioStock(ctx context.Context, docType dte.DocumentType, branch string, remaining int64) {
	m.stock.Record(ctx, remaining, metric.WithAttributes(AttrDocType.Int(int(docType)), AttrBranch.String(branch)))
}

var _ shared.EventHandler = (*DTEMetrics)(nil)
