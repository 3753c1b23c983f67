package handler

import (
	"errors"
	"net/http"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/erp/dte/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// codedError is implemented by every domain error that carries a machine-readable code
type codedError interface {
	error
	ErrorCode() string
}

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := middleware.GetRequestID(c); id != "" {
		return id
	}
	return c.GetHeader(middleware.RequestIDHeader)
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 accepted response
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// ParseID reads the :id path parameter. It writes a 400 and returns false
// when the parameter is not a UUID.
func (h *BaseHandler) ParseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid id: must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// HandleError converts an error returned by a use case into the error envelope
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID := getRequestID(c)

	var schemaErr *dte.SchemaValidationError
	if errors.As(err, &schemaErr) {
		details := make([]dto.ValidationDetail, len(schemaErr.Fields))
		for i, f := range schemaErr.Fields {
			details[i] = dto.ValidationDetail{Field: f.Field, Message: f.Reason}
		}
		c.JSON(dto.GetHTTPStatus(dte.CodeSchemaValidation), dto.NewValidationErrorResponse(
			dte.CodeSchemaValidation, "Document payload failed validation", requestID, details))
		return
	}

	var coded codedError
	if errors.As(err, &coded) {
		code := dto.NormalizeErrorCode(coded.ErrorCode())
		c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponseWithRequestID(code, coded.Error(), requestID))
		return
	}

	logger.FromContext(c.Request.Context(), logger.GetGinLogger(c)).Error("unhandled error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, dto.NewErrorResponseWithRequestID(
		dto.ErrCodeInternal,
		"An unexpected error occurred",
		requestID,
	))
}
