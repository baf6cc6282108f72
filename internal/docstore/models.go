package docstore

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
)

const (
	docInvoice      = "invoice"
	docDeliveryNote = "delivery_note"
)

type invoiceModel struct {
	ID           string              `gorm:"primaryKey;size:128"`
	SupplierName string              `gorm:"size:255"`
	SupplierKey  string              `gorm:"index;size:255"`
	Date         *time.Time          `gorm:"index"`
	Total        decimal.NullDecimal `gorm:"type:varchar(64)"`
	Lines        []lineModel         `gorm:"polymorphic:Doc;polymorphicValue:invoice"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (invoiceModel) TableName() string { return "invoices" }

type deliveryNoteModel struct {
	ID           string              `gorm:"primaryKey;size:128"`
	SupplierName string              `gorm:"size:255"`
	SupplierKey  string              `gorm:"index;size:255"`
	Date         *time.Time          `gorm:"index"`
	Total        decimal.NullDecimal `gorm:"type:varchar(64)"`
	Lines        []lineModel         `gorm:"polymorphic:Doc;polymorphicValue:delivery_note"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (deliveryNoteModel) TableName() string { return "delivery_notes" }

// lineModel holds the lines of both document kinds, told apart by DocType.
type lineModel struct {
	ID          uint   `gorm:"primaryKey"`
	DocID       string `gorm:"index:idx_doc_lines,priority:2;size:128"`
	DocType     string `gorm:"index:idx_doc_lines,priority:1;size:32"`
	Position    int
	LineID      string `gorm:"size:128"`
	SKU         string `gorm:"size:128"`
	Description string
	Quantity    decimal.Decimal     `gorm:"type:varchar(64)"`
	Unit        string              `gorm:"size:32"`
	UnitPrice   decimal.NullDecimal `gorm:"type:varchar(64)"`
	LineTotal   decimal.NullDecimal `gorm:"type:varchar(64)"`
}

func (lineModel) TableName() string { return "document_lines" }

type pairModel struct {
	ID             string `gorm:"primaryKey;size:128"`
	InvoiceID      string `gorm:"index;size:128"`
	DeliveryNoteID string `gorm:"index;size:128"`
	Status         string `gorm:"size:32"`
	Confidence     float64
	Reasons        string
	Actor          string `gorm:"size:128"`
	ActionID       string `gorm:"size:128"`
	Supersedes     string `gorm:"size:128"`
	SupersededBy   string `gorm:"size:128"`
	Superseded     bool
	Pending        bool
	PairCreatedAt  time.Time
	PairUpdatedAt  time.Time
}

func (pairModel) TableName() string { return "matching_pairs" }

type lineDiffModel struct {
	ID              string `gorm:"primaryKey;size:128"`
	PairID          string `gorm:"index;size:128"`
	Position        int
	InvoiceLineRef  string `gorm:"size:128"`
	DeliveryLineRef string `gorm:"size:128"`
	Description     string
	Status          string              `gorm:"size:32"`
	EffectiveStatus string              `gorm:"size:32"`
	InvoiceQty      decimal.NullDecimal `gorm:"type:varchar(64)"`
	DeliveryQty     decimal.NullDecimal `gorm:"type:varchar(64)"`
	InvoicePrice    decimal.NullDecimal `gorm:"type:varchar(64)"`
	DeliveryPrice   decimal.NullDecimal `gorm:"type:varchar(64)"`
	UOM             string              `gorm:"size:32"`
	UnitsDiffer     bool
	QtyMismatch     bool
	PriceMismatch   bool
	Similarity      float64
	Confidence      float64
	AutoApplied     bool
	Synthetic       bool
	ParentID        string `gorm:"size:128"`
}

func (lineDiffModel) TableName() string { return "line_diffs" }

// decisionModel is the latest decision per invoice.
type decisionModel struct {
	InvoiceID      string `gorm:"primaryKey;size:128"`
	KeyHash        string `gorm:"size:64"`
	Kind           string `gorm:"size:32"`
	DeliveryNoteID string `gorm:"size:128"`
	PairID         string `gorm:"size:128"`
	ActionID       string `gorm:"size:128"`
	Actor          string `gorm:"size:128"`
	AppliedAt      time.Time
}

func (decisionModel) TableName() string { return "decisions" }

// decisionLogModel records every decision that changed state.
type decisionLogModel struct {
	ID             uint   `gorm:"primaryKey"`
	InvoiceID      string `gorm:"index;size:128"`
	KeyHash        string `gorm:"size:64"`
	Kind           string `gorm:"size:32"`
	DeliveryNoteID string `gorm:"size:128"`
	ActionID       string `gorm:"size:128"`
	Actor          string `gorm:"size:128"`
	AppliedAt      time.Time
}

func (decisionLogModel) TableName() string { return "decision_log" }

func allModels() []any {
	return []any{
		&invoiceModel{}, &deliveryNoteModel{}, &lineModel{},
		&pairModel{}, &lineDiffModel{},
		&decisionModel{}, &decisionLogModel{},
	}
}

func dayPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	d := ir.Day(t)
	return &d
}

func dayOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func toLineModels(docType, docID string, lines []ir.LineItem) []lineModel {
	out := make([]lineModel, len(lines))
	for i, li := range lines {
		out[i] = lineModel{
			DocID:       docID,
			DocType:     docType,
			Position:    i,
			LineID:      li.ID,
			SKU:         li.SKU,
			Description: li.Description,
			Quantity:    li.Quantity,
			Unit:        li.Unit,
			UnitPrice:   li.UnitPrice,
			LineTotal:   li.LineTotal,
		}
	}
	return out
}

func fromLineModels(rows []lineModel) []ir.LineItem {
	out := make([]ir.LineItem, len(rows))
	for i, r := range rows {
		out[i] = ir.LineItem{
			ID:          r.LineID,
			SKU:         r.SKU,
			Description: r.Description,
			Quantity:    r.Quantity,
			Unit:        r.Unit,
			UnitPrice:   r.UnitPrice,
			LineTotal:   r.LineTotal,
		}
	}
	return out
}

func toInvoiceModel(inv ir.Invoice) invoiceModel {
	return invoiceModel{
		ID:           inv.ID,
		SupplierName: inv.SupplierName,
		SupplierKey:  normalize.SupplierName(inv.SupplierName),
		Date:         dayPtr(inv.Date),
		Total:        inv.Total,
	}
}

func (m invoiceModel) invoice() ir.Invoice {
	return ir.Invoice{
		ID:           m.ID,
		SupplierName: m.SupplierName,
		Date:         dayOf(m.Date),
		Total:        m.Total,
		Lines:        fromLineModels(m.Lines),
	}
}

func toDeliveryNoteModel(dn ir.DeliveryNote) deliveryNoteModel {
	return deliveryNoteModel{
		ID:           dn.ID,
		SupplierName: dn.SupplierName,
		SupplierKey:  normalize.SupplierName(dn.SupplierName),
		Date:         dayPtr(dn.Date),
		Total:        dn.Total,
	}
}

func (m deliveryNoteModel) deliveryNote() ir.DeliveryNote {
	return ir.DeliveryNote{
		ID:           m.ID,
		SupplierName: m.SupplierName,
		Date:         dayOf(m.Date),
		Total:        m.Total,
		Lines:        fromLineModels(m.Lines),
	}
}

func toPairModel(p ir.MatchingPair) pairModel {
	reasons := make([]string, len(p.Reasons))
	for i, r := range p.Reasons {
		reasons[i] = string(r)
	}
	return pairModel{
		ID:             p.ID,
		InvoiceID:      p.InvoiceID,
		DeliveryNoteID: p.DeliveryNoteID,
		Status:         string(p.Status),
		Confidence:     p.Confidence,
		Reasons:        strings.Join(reasons, ","),
		Actor:          p.Actor,
		ActionID:       p.ActionID,
		Supersedes:     p.Supersedes,
		SupersededBy:   p.SupersededBy,
		Superseded:     p.Superseded,
		Pending:        p.Pending,
		PairCreatedAt:  p.CreatedAt,
		PairUpdatedAt:  p.UpdatedAt,
	}
}

func toLineDiffModels(pairID string, diffs []ir.LineDiff) []lineDiffModel {
	out := make([]lineDiffModel, len(diffs))
	for i, d := range diffs {
		out[i] = lineDiffModel{
			ID:              d.ID,
			PairID:          pairID,
			Position:        i,
			InvoiceLineRef:  d.InvoiceLineRef,
			DeliveryLineRef: d.DeliveryLineRef,
			Description:     d.Description,
			Status:          string(d.Status),
			EffectiveStatus: string(d.Effective()),
			InvoiceQty:      d.InvoiceQty,
			DeliveryQty:     d.DeliveryQty,
			InvoicePrice:    d.InvoicePrice,
			DeliveryPrice:   d.DeliveryPrice,
			UOM:             d.UOM,
			UnitsDiffer:     d.UnitsDiffer,
			QtyMismatch:     d.QtyMismatch,
			PriceMismatch:   d.PriceMismatch,
			Similarity:      d.Similarity,
			Confidence:      d.Confidence,
			AutoApplied:     d.AutoApplied,
			Synthetic:       d.Synthetic,
			ParentID:        d.ParentID,
		}
	}
	return out
}

func (m lineDiffModel) lineDiff() ir.LineDiff {
	return ir.LineDiff{
		ID:              m.ID,
		InvoiceLineRef:  m.InvoiceLineRef,
		DeliveryLineRef: m.DeliveryLineRef,
		Description:     m.Description,
		Status:          ir.LineStatus(m.Status),
		EffectiveStatus: ir.LineStatus(m.EffectiveStatus),
		InvoiceQty:      m.InvoiceQty,
		DeliveryQty:     m.DeliveryQty,
		InvoicePrice:    m.InvoicePrice,
		DeliveryPrice:   m.DeliveryPrice,
		UOM:             m.UOM,
		UnitsDiffer:     m.UnitsDiffer,
		QtyMismatch:     m.QtyMismatch,
		PriceMismatch:   m.PriceMismatch,
		Similarity:      m.Similarity,
		Confidence:      m.Confidence,
		AutoApplied:     m.AutoApplied,
		Synthetic:       m.Synthetic,
		ParentID:        m.ParentID,
	}
}
