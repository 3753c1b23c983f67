package issuance

import (
	"context"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
)

// TransactionScope runs a unit of work against repositories that share one
// database transaction. Every multi-record state change of the engine goes
// through it: folio allocation with its document, a verdict with its
// status record and folio void, an envelope with its member documents.
type TransactionScope interface {
	// Execute commits when fn returns nil and rolls back otherwise.
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories exposes the repositories bound to the current transaction.
type TransactionalRepositories interface {
	CAFRepo() dte.CAFRepository
	FolioPool() dte.FolioPool
	AllocationRepo() dte.FolioAllocationRepository
	DocumentRepo() dte.DocumentRepository
	EnvelopeRepo() dte.EnvelopeRepository
	StatusRepo() dte.StatusRecordRepository
	Outbox() shared.EventRecorder
}
