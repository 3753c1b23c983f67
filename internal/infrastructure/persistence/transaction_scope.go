package persistence

import (
	"context"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/event"
	"gorm.io/gorm"
)

// GormTransactionScope implements issuance.TransactionScope using GORM transactions
type GormTransactionScope struct {
	db *gorm.DB
}

// NewGormTransactionScope creates a new GormTransactionScope
func NewGormTransactionScope(db *gorm.DB) *GormTransactionScope {
	return &GormTransactionScope{db: db}
}

// Execute runs fn within a database transaction
func (s *GormTransactionScope) Execute(ctx context.Context, fn func(repos issuance.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// Repositories builds every repository on one connection or transaction
type Repositories struct {
	tx *gorm.DB
}

// NewRepositories creates repositories bound to db
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{tx: db}
}

// CAFRepo returns the CAF repository
func (r *Repositories) CAFRepo() dte.CAFRepository { return NewGormCAFRepository(r.tx) }

// FolioPool returns the folio pool
func (r *Repositories) FolioPool() dte.FolioPool { return NewGormFolioPool(r.tx) }

// AllocationRepo returns the folio allocation repository
func (r *Repositories) AllocationRepo() dte.FolioAllocationRepository {
	return NewGormFolioAllocationRepository(r.tx)
}

// DocumentRepo returns the document repository
func (r *Repositories) DocumentRepo() dte.DocumentRepository { return NewGormDocumentRepository(r.tx) }

// EnvelopeRepo returns the envelope repository
func (r *Repositories) EnvelopeRepo() dte.EnvelopeRepository { return NewGormEnvelopeRepository(r.tx) }

// StatusRepo returns the status record repository
func (r *Repositories) StatusRepo() dte.StatusRecordRepository {
	return NewGormStatusRecordRepository(r.tx)
}

var outboxSerializer = event.NewDTESerializer()

// Outbox returns the event recorder writing to this connection's outbox
func (r *Repositories) Outbox() shared.EventRecorder {
	return event.NewOutboxRecorder(event.NewGormOutboxRepository(r.tx), outboxSerializer)
}

var (
	_ issuance.TransactionScope          = (*GormTransactionScope)(nil)
	_ issuance.TransactionalRepositories = (*Repositories)(nil)
)
