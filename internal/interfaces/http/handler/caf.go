package handler

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxCAFSize bounds an uploaded authorization file
const maxCAFSize = 1 << 20

// CAFUseCases is the CAF pool surface the handler needs
type CAFUseCases interface {
	Ingest(ctx context.Context, req issuance.IngestCAFRequest) (*issuance.CAFSummary, error)
	List(ctx context.Context) ([]issuance.CAFSummary, error)
	SetVisibility(ctx context.Context, id uuid.UUID, hidden bool) (*issuance.CAFSummary, error)
	HideExhausted(ctx context.Context, branch string) (int, error)
	ReportVoidedFolios(ctx context.Context, id uuid.UUID) (*issuance.VoidedFoliosReport, error)
}

// CAFHandler serves the folio authorization endpoints
type CAFHandler struct {
	BaseHandler
	cafs CAFUseCases
}

// NewCAFHandler creates a CAFHandler
func NewCAFHandler(cafs CAFUseCases) *CAFHandler {
	return &CAFHandler{cafs: cafs}
}

// VisibilityRequest hides or shows a CAF to folio allocation
type VisibilityRequest struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

// Ingest accepts a CAF either as a multipart "file" field or as a raw XML
// body. The branch comes from the "branch" form field or query parameter.
func (h *CAFHandler) Ingest(c *gin.Context) {
	branch := c.PostForm("branch")
	if branch == "" {
		branch = c.Query("branch")
	}

	raw, err := readCAF(c)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	summary, err := h.cafs.Ingest(c.Request.Context(), issuance.IngestCAFRequest{Branch: branch, Raw: raw})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, summary)
}

func readCAF(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, errors.New("multipart upload needs a file field")
		}
		if fh.Size > maxCAFSize {
			return nil, errors.New("CAF file too large")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxCAFSize))
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCAFSize+1))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(raw) > maxCAFSize {
		return nil, errors.New("CAF file too large")
	}
	if len(raw) == 0 {
		return nil, errors.New("request body is empty")
	}
	return raw, nil
}

// List returns every CAF with its folio stock
func (h *CAFHandler) List(c *gin.Context) {
	cafs, err := h.cafs.List(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, cafs)
}

// SetVisibility hides or shows a CAF
func (h *CAFHandler) SetVisibility(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	var req VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Body must be {\"hidden\": true|false}")
		return
	}
	summary, err := h.cafs.SetVisibility(c.Request.Context(), id, *req.Hidden)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summary)
}

// HideExhaustedResponse reports how many CAFs a bulk hide removed
type HideExhaustedResponse struct {
	Hidden int `json:"hidden"`
}

// HideExhausted hides every exhausted or expired CAF, optionally of one branch
func (h *CAFHandler) HideExhausted(c *gin.Context) {
	n, err := h.cafs.HideExhausted(c.Request.Context(), strings.TrimSpace(c.Query("branch")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, HideExhaustedResponse{Hidden: n})
}

// VoidedFolios reports the folios of a CAF that will never be used
func (h *CAFHandler) VoidedFolios(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	report, err := h.cafs.ReportVoidedFolios(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}
