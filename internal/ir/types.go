package ir

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one priced or counted line on an invoice or delivery note.
type LineItem struct {
	ID          string              `json:"id,omitempty" yaml:"id,omitempty"`
	SKU         string              `json:"sku,omitempty" yaml:"sku,omitempty"`
	Description string              `json:"description" yaml:"description"`
	Quantity    decimal.Decimal     `json:"quantity" yaml:"quantity"`
	Unit        string              `json:"unit,omitempty" yaml:"unit,omitempty"`
	UnitPrice   decimal.NullDecimal `json:"unit_price" yaml:"unit_price"`
	LineTotal   decimal.NullDecimal `json:"line_total" yaml:"line_total"`
}

// Ref returns the line's stable reference: its ID when present, otherwise its
// 1-based position ("L1", "L2", ...).
func (li LineItem) Ref(index int) string {
	if li.ID != "" {
		return li.ID
	}
	return fmt.Sprintf("L%d", index+1)
}

// Invoice is a supplier invoice as produced by the ingestion pipeline.
// Immutable once ingested.
type Invoice struct {
	ID           string              `json:"id"`
	SupplierName string              `json:"supplier_name"`
	Date         time.Time           `json:"date"`
	Total        decimal.NullDecimal `json:"total"`
	Lines        []LineItem          `json:"lines"`
}

// DeliveryNote is a supplier delivery note. Same shape and immutability as Invoice.
type DeliveryNote struct {
	ID           string              `json:"id"`
	SupplierName string              `json:"supplier_name"`
	Date         time.Time           `json:"date"`
	Total        decimal.NullDecimal `json:"total"`
	Lines        []LineItem          `json:"lines"`
}

// Day truncates t to its calendar day in UTC. The zero time stays zero.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysApart returns the absolute number of calendar days between a and b.
func DaysApart(a, b time.Time) int {
	diff := Day(a).Sub(Day(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}

// MatchCandidate is a scored, unconfirmed pairing. Ephemeral: recomputed on
// demand and never persisted as truth.
type MatchCandidate struct {
	InvoiceID      string         `json:"invoice_id"`
	DeliveryNoteID string         `json:"delivery_note_id"`
	Confidence     float64        `json:"confidence"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	Reasons        []ReasonCode   `json:"reasons"`
	DaysApart      int            `json:"days_apart"`
}

// PairStatus is the lifecycle status of a matching pair.
type PairStatus string

const (
	// StatusUnmatched is the implicit initial state: no current pair exists.
	StatusUnmatched PairStatus = "unmatched"
	// StatusPartial means at least one line disagrees but confidence clears the threshold.
	StatusPartial PairStatus = "partial"
	// StatusMatched means every line diff is effectively ok.
	StatusMatched PairStatus = "matched"
	// StatusConflict means contradictory evidence; terminal until reopened.
	StatusConflict PairStatus = "conflict"
)

// Valid reports whether s is a known status.
func (s PairStatus) Valid() bool {
	switch s {
	case StatusUnmatched, StatusPartial, StatusMatched, StatusConflict:
		return true
	}
	return false
}

// MatchingPair associates one invoice with one delivery note and carries the
// reconciliation state. Pairs are never deleted, only superseded.
type MatchingPair struct {
	ID                 string         `json:"id"`
	InvoiceID          string         `json:"invoice_id"`
	DeliveryNoteID     string         `json:"delivery_note_id"`
	Confidence         float64        `json:"confidence"`
	Breakdown          ScoreBreakdown `json:"breakdown"`
	Status             PairStatus     `json:"status"`
	LineDiffs          []LineDiff     `json:"line_diffs"`
	Reasons            []ReasonCode   `json:"reasons"`
	Actor              string         `json:"actor"`
	Supersedes         string         `json:"supersedes,omitempty"`
	Superseded         bool           `json:"superseded"`
	SupersededBy       string         `json:"superseded_by,omitempty"`
	SupersededByAction string         `json:"superseded_by_action,omitempty"`
	ActionID           string         `json:"action_id,omitempty"`
	Pending            bool           `json:"pending"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Current reports whether the pair is the invoice's live association.
func (p MatchingPair) Current() bool {
	return !p.Superseded
}

// HasReason reports whether code is among the pair's reasons.
func (p MatchingPair) HasReason(code ReasonCode) bool {
	return containsReason(p.Reasons, code)
}

// LineStatus classifies one reconciled line.
type LineStatus string

const (
	LineOK            LineStatus = "ok"
	LineQtyMismatch   LineStatus = "qty_mismatch"
	LinePriceMismatch LineStatus = "price_mismatch"
	LineMissingOnDN   LineStatus = "missing_on_dn"
	LineMissingOnInv  LineStatus = "missing_on_inv"
)

// LineDiff is the reconciliation outcome for one line (or its absence).
// A diff with only an invoice reference is missing on the delivery note and
// vice versa.
//
// Status is the raw classification and never changes after reconciliation.
// EffectiveStatus is what the auto-apply policy decided at application time.
type LineDiff struct {
	ID              string              `json:"id"`
	InvoiceLineRef  string              `json:"invoice_line_ref,omitempty"`
	DeliveryLineRef string              `json:"delivery_line_ref,omitempty"`
	Description     string              `json:"description"`
	Status          LineStatus          `json:"status"`
	EffectiveStatus LineStatus          `json:"effective_status"`
	QtyMismatch     bool                `json:"qty_mismatch"`
	PriceMismatch   bool                `json:"price_mismatch"`
	InvoiceQty      decimal.NullDecimal `json:"invoice_qty"`
	InvoicePrice    decimal.NullDecimal `json:"invoice_price"`
	DeliveryQty     decimal.NullDecimal `json:"delivery_qty"`
	DeliveryPrice   decimal.NullDecimal `json:"delivery_price"`
	UOM             string              `json:"uom,omitempty"`
	UnitsDiffer     bool                `json:"units_differ,omitempty"`
	Similarity      float64             `json:"similarity"`
	Confidence      float64             `json:"confidence"`
	AutoApplied     bool                `json:"auto_applied"`
	Synthetic       bool                `json:"synthetic"`
	ParentID        string              `json:"parent_id,omitempty"`
}

// Effective returns EffectiveStatus, falling back to Status when the policy
// has not been applied yet.
func (d LineDiff) Effective() LineStatus {
	if d.EffectiveStatus == "" {
		return d.Status
	}
	return d.EffectiveStatus
}

// ActionKind is the kind of user decision carried by a QueuedAction.
type ActionKind string

const (
	ActionConfirm  ActionKind = "confirm"
	ActionReject   ActionKind = "reject"
	ActionOverride ActionKind = "override"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionConfirm, ActionReject, ActionOverride:
		return true
	}
	return false
}

// ActionState tracks where a queued action is in its delivery lifecycle.
type ActionState string

const (
	ActionPending     ActionState = "pending"
	ActionDispatching ActionState = "dispatching"
	ActionFailed      ActionState = "failed"
)

// QueuedAction is a user decision awaiting (or retrying) dispatch.
// For overrides DeliveryNoteID is the replacement delivery note.
type QueuedAction struct {
	ID             string      `json:"id"`
	Seq            int64       `json:"seq"`
	Kind           ActionKind  `json:"kind"`
	InvoiceID      string      `json:"invoice_id"`
	DeliveryNoteID string      `json:"delivery_note_id"`
	PairID         string      `json:"pair_id,omitempty"`
	Actor          string      `json:"actor"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	RetryCount     int         `json:"retry_count"`
	State          ActionState `json:"state"`
	LastError      string      `json:"last_error,omitempty"`
	NextAttemptAt  time.Time   `json:"next_attempt_at"`
}

// NaturalKey returns the server-side idempotency key for the action.
func (a QueuedAction) NaturalKey() NaturalKey {
	return NaturalKey{InvoiceID: a.InvoiceID, DeliveryNoteID: a.DeliveryNoteID, Kind: a.Kind}
}

// NaturalKey identifies a decision independent of its queue identity:
// replaying the same decision twice yields the same key.
type NaturalKey struct {
	InvoiceID      string     `json:"invoice_id"`
	DeliveryNoteID string     `json:"delivery_note_id"`
	Kind           ActionKind `json:"kind"`
}

// String renders the key as "invoice/delivery-note/kind".
func (k NaturalKey) String() string {
	return k.InvoiceID + "/" + k.DeliveryNoteID + "/" + string(k.Kind)
}

// Rejection records that a reviewer rejected a candidate for an invoice.
type Rejection struct {
	InvoiceID      string    `json:"invoice_id"`
	DeliveryNoteID string    `json:"delivery_note_id"`
	ActionID       string    `json:"action_id,omitempty"`
	Actor          string    `json:"actor"`
	At             time.Time `json:"at"`
}

// AuditAction names what caused an audited transition.
type AuditAction string

const (
	AuditConfirm   AuditAction = "confirm"
	AuditReject    AuditAction = "reject"
	AuditOverride  AuditAction = "override"
	AuditReconcile AuditAction = "reconcile"
	AuditAutoMatch AuditAction = "auto_match"
	AuditRevert    AuditAction = "revert"
)

// AuditRecord is emitted for every pair transition and consumed by external
// reporting.
type AuditRecord struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	PairID         string       `json:"pair_id,omitempty"`
	InvoiceID      string       `json:"invoice_id"`
	DeliveryNoteID string       `json:"delivery_note_id,omitempty"`
	ActionID       string       `json:"action_id,omitempty"`
	Actor          string       `json:"actor"`
	Action         AuditAction  `json:"action"`
	PrevStatus     PairStatus   `json:"prev_status"`
	NewStatus      PairStatus   `json:"new_status"`
	Reasons        []ReasonCode `json:"reasons"`
	At             time.Time    `json:"at"`
}
