package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/pairing"
)

// Commit stores a transition in one SQLite transaction.
//
// Pairs are upserted by id; the first insert fixes a pair's position in
// history order. Rejections are removed before new ones are added, and a
// rejection that already exists is left untouched. Audit records receive
// their seq from the audit_log AUTOINCREMENT key, written back into tx.
func (s *Store) Commit(ctx context.Context, tx *pairing.Transition) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin tx: %w", err)
	}
	defer dbtx.Rollback() // No-op if committed

	for _, p := range tx.Pairs {
		if err := upsertPair(ctx, dbtx, p); err != nil {
			return err
		}
	}

	for _, key := range tx.RemoveRejections {
		_, err := dbtx.ExecContext(ctx, `
			DELETE FROM rejections WHERE invoice_id = ? AND delivery_note_id = ?
		`, key.InvoiceID, key.DeliveryNoteID)
		if err != nil {
			return fmt.Errorf("commit: remove rejection %s/%s: %w", key.InvoiceID, key.DeliveryNoteID, err)
		}
	}

	for _, rj := range tx.AddRejections {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO rejections (invoice_id, delivery_note_id, action_id, actor, at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(invoice_id, delivery_note_id) DO NOTHING
		`, rj.InvoiceID, rj.DeliveryNoteID, rj.ActionID, rj.Actor, formatTime(rj.At))
		if err != nil {
			return fmt.Errorf("commit: add rejection %s/%s: %w", rj.InvoiceID, rj.DeliveryNoteID, err)
		}
	}

	seqs := make([]int64, len(tx.Audit))
	for i, rec := range tx.Audit {
		seq, err := insertAudit(ctx, dbtx, rec)
		if err != nil {
			return err
		}
		seqs[i] = seq
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// Only visible once durable.
	for i := range tx.Audit {
		tx.Audit[i].Seq = seqs[i]
	}
	return nil
}

func upsertPair(ctx context.Context, tx *sql.Tx, p ir.MatchingPair) error {
	breakdown, err := marshalColumn("breakdown", p.Breakdown)
	if err != nil {
		return fmt.Errorf("commit pair %s: %w", p.ID, err)
	}
	diffs, err := marshalColumn("line diffs", p.LineDiffs)
	if err != nil {
		return fmt.Errorf("commit pair %s: %w", p.ID, err)
	}
	reasons, err := marshalColumn("reasons", p.Reasons)
	if err != nil {
		return fmt.Errorf("commit pair %s: %w", p.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pairs
		(id, invoice_id, delivery_note_id, status, confidence, breakdown, line_diffs, reasons,
		 actor, supersedes, superseded, superseded_by, superseded_by_action, action_id, pending,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			invoice_id = excluded.invoice_id,
			delivery_note_id = excluded.delivery_note_id,
			status = excluded.status,
			confidence = excluded.confidence,
			breakdown = excluded.breakdown,
			line_diffs = excluded.line_diffs,
			reasons = excluded.reasons,
			actor = excluded.actor,
			supersedes = excluded.supersedes,
			superseded = excluded.superseded,
			superseded_by = excluded.superseded_by,
			superseded_by_action = excluded.superseded_by_action,
			action_id = excluded.action_id,
			pending = excluded.pending,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		p.ID,
		p.InvoiceID,
		p.DeliveryNoteID,
		string(p.Status),
		p.Confidence,
		breakdown,
		diffs,
		reasons,
		p.Actor,
		p.Supersedes,
		boolInt(p.Superseded),
		p.SupersededBy,
		p.SupersededByAction,
		p.ActionID,
		boolInt(p.Pending),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("commit pair %s: %w", p.ID, err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, rec ir.AuditRecord) (int64, error) {
	reasons, err := marshalColumn("reasons", rec.Reasons)
	if err != nil {
		return 0, fmt.Errorf("commit audit %s: %w", rec.ID, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, pair_id, invoice_id, delivery_note_id, action_id, actor, action, prev_status, new_status, reasons, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.PairID,
		rec.InvoiceID,
		rec.DeliveryNoteID,
		rec.ActionID,
		rec.Actor,
		string(rec.Action),
		string(rec.PrevStatus),
		string(rec.NewStatus),
		reasons,
		formatTime(rec.At),
	)
	if err != nil {
		return 0, fmt.Errorf("commit audit %s: %w", rec.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("commit audit %s: seq: %w", rec.ID, err)
	}
	return seq, nil
}

// SaveAction inserts or replaces a queued action.
func (s *Store) SaveAction(ctx context.Context, a ir.QueuedAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_actions
		(id, seq, kind, invoice_id, delivery_note_id, pair_id, actor, enqueued_at,
		 retry_count, state, last_error, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			kind = excluded.kind,
			invoice_id = excluded.invoice_id,
			delivery_note_id = excluded.delivery_note_id,
			pair_id = excluded.pair_id,
			actor = excluded.actor,
			enqueued_at = excluded.enqueued_at,
			retry_count = excluded.retry_count,
			state = excluded.state,
			last_error = excluded.last_error,
			next_attempt_at = excluded.next_attempt_at
	`,
		a.ID,
		a.Seq,
		string(a.Kind),
		a.InvoiceID,
		a.DeliveryNoteID,
		a.PairID,
		a.Actor,
		formatTime(a.EnqueuedAt),
		a.RetryCount,
		string(a.State),
		a.LastError,
		formatTime(a.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("save action %s: %w", a.ID, err)
	}
	return nil
}

// DeleteAction removes a queued action. Deleting an unknown id is a no-op.
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete action %s: %w", id, err)
	}
	return nil
}
