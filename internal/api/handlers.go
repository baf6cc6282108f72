package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/pairwise/internal/engine"
	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
	"github.com/roach88/pairwise/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type noteRequest struct {
	DeliveryNoteID string `json:"delivery_note_id" binding:"required"`
}

type lateMatchRequest struct {
	// Lookback is a Go duration such as "720h". Empty uses the configured
	// lookback.
	Lookback string `json:"lookback"`
}

type actionsResponse struct {
	Pending []ir.QueuedAction `json:"pending"`
	Failed  []ir.QueuedAction `json:"failed"`
	Online  bool              `json:"online"`
}

type enqueueResponse struct {
	// ActionID is empty when the decision changed nothing.
	ActionID string `json:"action_id"`
}

func (s *Server) candidates(c *gin.Context) {
	opts, err := candidateOptions(c)
	if err != nil {
		badRequest(c, "GenerateCandidates", err)
		return
	}
	out, err := s.engine.GenerateCandidates(c.Request.Context(), c.Param("id"), opts...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) retryCandidates(c *gin.Context) {
	opts, err := candidateOptions(c)
	if err != nil {
		badRequest(c, "RetryCandidates", err)
		return
	}
	out, err := s.engine.RetryCandidates(c.Request.Context(), c.Param("id"), opts...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func candidateOptions(c *gin.Context) ([]engine.CandidateOption, error) {
	var opts []engine.CandidateOption
	if v := c.Query("window"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			return nil, fmt.Errorf("window must be a non-negative number of days")
		}
		opts = append(opts, engine.WithWindow(days))
	}
	if v := c.Query("min_confidence"); v != "" {
		floor, err := strconv.ParseFloat(v, 64)
		if err != nil || floor < 0 || floor > 100 {
			return nil, fmt.Errorf("min_confidence must be between 0 and 100")
		}
		opts = append(opts, engine.WithMinConfidence(floor))
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("limit must be a non-negative integer")
		}
		opts = append(opts, engine.WithLimit(limit))
	}
	return opts, nil
}

func (s *Server) confirm(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ConfirmPair", err)
		return
	}
	pair, err := s.engine.ConfirmPair(c.Request.Context(), c.Param("id"), req.DeliveryNoteID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) reject(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "RejectCandidate", err)
		return
	}
	if err := s.engine.RejectCandidate(c.Request.Context(), c.Param("id"), req.DeliveryNoteID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) override(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "OverridePair", err)
		return
	}
	pair, err := s.engine.OverridePair(c.Request.Context(), c.Param("id"), req.DeliveryNoteID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) reconcile(c *gin.Context) {
	diffs, err := s.engine.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, diffs)
}

func (s *Server) currentPair(c *gin.Context) {
	id := c.Param("id")
	pair, ok, err := s.engine.CurrentPair(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		fail(c, ir.NotFound("CurrentPair", "current pair for invoice", id))
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) history(c *gin.Context) {
	pairs, err := s.engine.PairHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pairs)
}

func (s *Server) auditLog(c *gin.Context) {
	records, err := s.engine.AuditLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) pair(c *gin.Context) {
	pair, err := s.engine.Pair(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) summary(c *gin.Context) {
	filter, err := pairFilter(c)
	if err != nil {
		badRequest(c, "Summary", err)
		return
	}
	sum, err := s.engine.Summary(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) export(c *gin.Context) {
	filter, err := pairFilter(c)
	if err != nil {
		badRequest(c, "Export", err)
		return
	}
	pairs, err := s.engine.Ledger().ListPairs(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := report.Write(&buf, pairs); err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="pairs.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func pairFilter(c *gin.Context) (pairing.Filter, error) {
	f := pairing.Filter{
		Status:    ir.PairStatus(c.Query("status")),
		InvoiceID: c.Query("invoice_id"),
	}
	switch f.Status {
	case "", ir.StatusUnmatched, ir.StatusPartial, ir.StatusMatched, ir.StatusConflict:
	default:
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	var err error
	if v := c.Query("include_superseded"); v != "" {
		if f.IncludeSuperseded, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("include_superseded: %w", err)
		}
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return f, nil
}

func (s *Server) actions(c *gin.Context) {
	c.JSON(http.StatusOK, actionsResponse{
		Pending: nonNil(s.engine.PendingActions()),
		Failed:  nonNil(s.engine.FailedActions()),
		Online:  s.engine.Online(),
	})
}

func nonNil(actions []ir.QueuedAction) []ir.QueuedAction {
	if actions == nil {
		return []ir.QueuedAction{}
	}
	return actions
}

func (s *Server) enqueue(c *gin.Context) {
	var action ir.QueuedAction
	if err := c.ShouldBindJSON(&action); err != nil {
		badRequest(c, "EnqueueAction", err)
		return
	}
	// Queue identity is assigned by the engine.
	action.ID, action.Seq, action.RetryCount, action.State, action.LastError = "", 0, 0, "", ""
	action.EnqueuedAt, action.NextAttemptAt = time.Time{}, time.Time{}

	id, err := s.engine.EnqueueAction(c.Request.Context(), action)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusAccepted
	if id == "" {
		status = http.StatusOK
	}
	c.JSON(status, enqueueResponse{ActionID: id})
}

func (s *Server) drain(c *gin.Context) {
	res, err := s.engine.DrainQueue(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) retryAction(c *gin.Context) {
	action, err := s.engine.RetryFailedAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, action)
}

func (s *Server) lateMatches(c *gin.Context) {
	var req lateMatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "RetryLateMatches", err)
			return
		}
	}
	var lookback time.Duration
	if req.Lookback != "" {
		d, err := time.ParseDuration(req.Lookback)
		if err != nil || d < 0 {
			badRequest(c, "RetryLateMatches", fmt.Errorf("lookback must be a non-negative duration"))
			return
		}
		lookback = d
	}
	res, err := s.engine.RetryLateMatches(c.Request.Context(), lookback)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
