package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
)

const pairColumns = `id, invoice_id, delivery_note_id, status, confidence, breakdown, line_diffs, reasons,
	actor, supersedes, superseded, superseded_by, superseded_by_action, action_id, pending,
	created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// CurrentPair returns the invoice's non-superseded pair, if any.
func (s *Store) CurrentPair(ctx context.Context, invoiceID string) (ir.MatchingPair, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pairColumns+`
		FROM pairs
		WHERE invoice_id = ? AND superseded = 0
		ORDER BY rowid_order DESC
		LIMIT 1
	`, invoiceID)
	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MatchingPair{}, false, nil
	}
	if err != nil {
		return ir.MatchingPair{}, false, fmt.Errorf("current pair %s: %w", invoiceID, err)
	}
	return p, true, nil
}

// Pair returns a pair by id, or a NOT_FOUND error.
func (s *Store) Pair(ctx context.Context, pairID string) (ir.MatchingPair, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pairColumns+` FROM pairs WHERE id = ?`, pairID)
	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MatchingPair{}, ir.NotFound("Pair", "pair", pairID)
	}
	if err != nil {
		return ir.MatchingPair{}, fmt.Errorf("pair %s: %w", pairID, err)
	}
	return p, nil
}

// PairHistory returns every pair of an invoice, oldest first.
func (s *Store) PairHistory(ctx context.Context, invoiceID string) ([]ir.MatchingPair, error) {
	return s.queryPairs(ctx, `WHERE invoice_id = ?`, invoiceID)
}

// PairsByAction returns the pairs created by a queued action.
func (s *Store) PairsByAction(ctx context.Context, actionID string) ([]ir.MatchingPair, error) {
	if actionID == "" {
		return []ir.MatchingPair{}, nil
	}
	return s.queryPairs(ctx, `WHERE action_id = ?`, actionID)
}

// PairsSupersededByAction returns the pairs a queued action superseded.
func (s *Store) PairsSupersededByAction(ctx context.Context, actionID string) ([]ir.MatchingPair, error) {
	if actionID == "" {
		return []ir.MatchingPair{}, nil
	}
	return s.queryPairs(ctx, `WHERE superseded_by_action = ?`, actionID)
}

// ClaimingPair returns the current matched pair that uses a delivery note.
func (s *Store) ClaimingPair(ctx context.Context, deliveryNoteID string) (ir.MatchingPair, bool, error) {
	pairs, err := s.queryPairs(ctx, `WHERE delivery_note_id = ? AND superseded = 0 AND status = ?`,
		deliveryNoteID, string(ir.StatusMatched))
	if err != nil {
		return ir.MatchingPair{}, false, err
	}
	if len(pairs) == 0 {
		return ir.MatchingPair{}, false, nil
	}
	return pairs[0], true, nil
}

// ListPairs returns pairs matching the filter ordered by creation.
func (s *Store) ListPairs(ctx context.Context, f pairing.Filter) ([]ir.MatchingPair, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeSuperseded {
		where = append(where, "superseded = 0")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, f.InvoiceID)
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 || f.Offset > 0 {
		limit := -1
		if f.Limit > 0 {
			limit = f.Limit
		}
		clause += " ORDER BY rowid_order ASC LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	return s.queryPairs(ctx, clause, args...)
}

// Counts returns the number of current pairs per status.
func (s *Store) Counts(ctx context.Context) (map[ir.PairStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM pairs WHERE superseded = 0 GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count pairs: %w", err)
	}
	defer rows.Close()

	counts := make(map[ir.PairStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[ir.PairStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// Rejections returns the rejections recorded for an invoice.
func (s *Store) Rejections(ctx context.Context, invoiceID string) ([]ir.Rejection, error) {
	return s.queryRejections(ctx, `WHERE invoice_id = ?`, invoiceID)
}

// RejectionsByAction returns the rejections recorded by a queued action.
func (s *Store) RejectionsByAction(ctx context.Context, actionID string) ([]ir.Rejection, error) {
	if actionID == "" {
		return []ir.Rejection{}, nil
	}
	return s.queryRejections(ctx, `WHERE action_id = ?`, actionID)
}

// AuditLog returns the audit records of an invoice in seq order.
func (s *Store) AuditLog(ctx context.Context, invoiceID string) ([]ir.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, pair_id, invoice_id, delivery_note_id, action_id, actor, action,
		       prev_status, new_status, reasons, at
		FROM audit_log
		WHERE invoice_id = ?
		ORDER BY seq ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	out := []ir.AuditRecord{}
	for rows.Next() {
		var (
			rec                         ir.AuditRecord
			action, prev, next, reasons string
			at                          string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.PairID, &rec.InvoiceID, &rec.DeliveryNoteID,
			&rec.ActionID, &rec.Actor, &action, &prev, &next, &reasons, &at); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Action = ir.AuditAction(action)
		rec.PrevStatus = ir.PairStatus(prev)
		rec.NewStatus = ir.PairStatus(next)
		if rec.Reasons, err = unmarshalReasons(reasons); err != nil {
			return nil, err
		}
		if rec.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

// LoadActions returns every stored queued action ordered by seq.
func (s *Store) LoadActions(ctx context.Context) ([]ir.QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, kind, invoice_id, delivery_note_id, pair_id, actor, enqueued_at,
		       retry_count, state, last_error, next_attempt_at
		FROM queued_actions
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query queued actions: %w", err)
	}
	defer rows.Close()

	out := []ir.QueuedAction{}
	for rows.Next() {
		var (
			a                  ir.QueuedAction
			kind, state        string
			enqueuedAt, nextAt string
		)
		if err := rows.Scan(&a.ID, &a.Seq, &kind, &a.InvoiceID, &a.DeliveryNoteID, &a.PairID,
			&a.Actor, &enqueuedAt, &a.RetryCount, &state, &a.LastError, &nextAt); err != nil {
			return nil, fmt.Errorf("scan queued action: %w", err)
		}
		a.Kind = ir.ActionKind(kind)
		a.State = ir.ActionState(state)
		if a.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, err
		}
		if a.NextAttemptAt, err = parseTime(nextAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued actions: %w", err)
	}
	return out, nil
}

func (s *Store) queryPairs(ctx context.Context, clause string, args ...any) ([]ir.MatchingPair, error) {
	query := `SELECT ` + pairColumns + ` FROM pairs ` + clause
	if !strings.Contains(clause, "ORDER BY") {
		query += ` ORDER BY rowid_order ASC`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	out := []ir.MatchingPair{}
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return out, nil
}

func (s *Store) queryRejections(ctx context.Context, clause string, args ...any) ([]ir.Rejection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, delivery_note_id, action_id, actor, at
		FROM rejections `+clause+`
		ORDER BY at ASC, delivery_note_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()

	out := []ir.Rejection{}
	for rows.Next() {
		var (
			rj ir.Rejection
			at string
		)
		if err := rows.Scan(&rj.InvoiceID, &rj.DeliveryNoteID, &rj.ActionID, &rj.Actor, &at); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		if rj.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejections: %w", err)
	}
	return out, nil
}

func scanPair(row scanner) (ir.MatchingPair, error) {
	var (
		p                         ir.MatchingPair
		status                    string
		breakdown, diffs, reasons string
		superseded, pending       int
		createdAt, updatedAt      string
	)
	err := row.Scan(
		&p.ID,
		&p.InvoiceID,
		&p.DeliveryNoteID,
		&status,
		&p.Confidence,
		&breakdown,
		&diffs,
		&reasons,
		&p.Actor,
		&p.Supersedes,
		&superseded,
		&p.SupersededBy,
		&p.SupersededByAction,
		&p.ActionID,
		&pending,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.MatchingPair{}, err
		}
		return ir.MatchingPair{}, fmt.Errorf("scan pair: %w", err)
	}

	p.Status = ir.PairStatus(status)
	p.Superseded = superseded != 0
	p.Pending = pending != 0
	if p.Breakdown, err = unmarshalBreakdown(breakdown); err != nil {
		return ir.MatchingPair{}, err
	}
	if p.LineDiffs, err = unmarshalLineDiffs(diffs); err != nil {
		return ir.MatchingPair{}, err
	}
	if p.Reasons, err = unmarshalReasons(reasons); err != nil {
		return ir.MatchingPair{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.MatchingPair{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.MatchingPair{}, err
	}
	return p, nil
}
