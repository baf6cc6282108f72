package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/pairwise/internal/ir"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Kind    ir.ErrorKind `json:"kind,omitempty"`
	Op      string       `json:"op,omitempty"`
	Retry   bool         `json:"retryable"`
	Invoice string       `json:"invoice_id,omitempty"`
	Pair    string       `json:"pair_id,omitempty"`
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind ir.ErrorKind) int {
	switch kind {
	case ir.KindInput:
		return http.StatusBadRequest
	case ir.KindNotFound:
		return http.StatusNotFound
	case ir.KindStateConflict:
		return http.StatusConflict
	case ir.KindDispatch:
		return http.StatusServiceUnavailable
	case ir.KindExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail aborts the request with err mapped to a status. Server errors are
// attached for the error logger.
func fail(c *gin.Context, err error) {
	kind := ir.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{Error: err.Error(), Kind: kind, Retry: ir.IsRetryable(err)}
	var e *ir.Error
	if errors.As(err, &e) {
		resp.Op, resp.Invoice, resp.Pair = e.Op, e.InvoiceID, e.PairID
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, op string, err error) {
	fail(c, ir.WrapError(ir.KindInput, op, err))
}
