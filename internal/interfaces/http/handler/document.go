package handler

import (
	"context"
	"errors"
	"io"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DocumentUseCases is the issuance surface the handler needs
type DocumentUseCases interface {
	IssueDocument(ctx context.Context, req issuance.IssueRequest) (*issuance.IssueResult, error)
	Reissue(ctx context.Context, id uuid.UUID) (*issuance.IssueResult, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error)
	Requeue(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error)
	Abandon(ctx context.Context, id uuid.UUID, reason string) (*dte.StatusRecord, error)
}

// StatusPoller asks the authority for the current verdict of a document
type StatusPoller interface {
	PollDocument(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error)
}

// DocumentHandler serves the document endpoints
type DocumentHandler struct {
	BaseHandler
	docs   DocumentUseCases
	poller StatusPoller
}

// NewDocumentHandler creates a DocumentHandler
func NewDocumentHandler(docs DocumentUseCases, poller StatusPoller) *DocumentHandler {
	return &DocumentHandler{docs: docs, poller: poller}
}

// AbandonRequest optionally explains why a failed submission is given up
type AbandonRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

// Issue assigns a folio to the payload, signs it and queues it for submission
func (h *DocumentHandler) Issue(c *gin.Context) {
	var req issuance.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	result, err := h.docs.IssueDocument(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, result)
}

// Status returns the last known status of a document
func (h *DocumentHandler) Status(c *gin.Context) {
	h.withID(c, h.docs.GetStatus, h.Success)
}

// Poll refreshes the status from the authority before returning it
func (h *DocumentHandler) Poll(c *gin.Context) {
	h.withID(c, h.poller.PollDocument, h.Success)
}

// Requeue sends a failed submission back to the dispatch queue
func (h *DocumentHandler) Requeue(c *gin.Context) {
	h.withID(c, h.docs.Requeue, h.Accepted)
}

// Reissue issues a replacement for a rejected or voided document
func (h *DocumentHandler) Reissue(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	result, err := h.docs.Reissue(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, result)
}

// Abandon voids the folio of a failed submission
func (h *DocumentHandler) Abandon(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	var req AbandonRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	rec, err := h.docs.Abandon(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rec)
}

func (h *DocumentHandler) withID(
	c *gin.Context,
	op func(context.Context, uuid.UUID) (*dte.StatusRecord, error),
	respond func(*gin.Context, any),
) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	rec, err := op(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	respond(c, rec)
}
