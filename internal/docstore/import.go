package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gorm.io/gorm"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/reconcile"
)

// Batch is the import file format: structured records as produced by the
// ingestion pipeline.
type Batch struct {
	Invoices      []ir.Invoice      `json:"invoices"`
	DeliveryNotes []ir.DeliveryNote `json:"delivery_notes"`
}

// ImportResult counts imported documents.
type ImportResult struct {
	Invoices      int `json:"invoices"`
	DeliveryNotes int `json:"delivery_notes"`
}

// ReadBatch decodes a JSON batch.
func ReadBatch(r io.Reader) (Batch, error) {
	var b Batch
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return Batch{}, ir.WrapError(ir.KindInput, "Import", fmt.Errorf("decode batch: %w", err))
	}
	return b, nil
}

// Validate checks ids and line items of every document in the batch.
func (b Batch) Validate() error {
	for _, inv := range b.Invoices {
		if inv.ID == "" {
			return ir.Errorf(ir.KindInput, "Import", "invoice without id")
		}
		if err := reconcile.ValidateLines("Import", inv.ID, inv.Lines); err != nil {
			return err
		}
	}
	for _, dn := range b.DeliveryNotes {
		if dn.ID == "" {
			return ir.Errorf(ir.KindInput, "Import", "delivery note without id")
		}
		if err := reconcile.ValidateLines("Import", dn.ID, dn.Lines); err != nil {
			return err
		}
	}
	return nil
}

// Import validates and stores a batch in one transaction. Existing documents
// with the same id are replaced.
func (s *Store) Import(ctx context.Context, b Batch) (ImportResult, error) {
	if err := b.Validate(); err != nil {
		return ImportResult{}, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, inv := range b.Invoices {
			if err := saveInvoice(tx, inv); err != nil {
				return err
			}
		}
		for _, dn := range b.DeliveryNotes {
			if err := saveDeliveryNote(tx, dn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}
	return ImportResult{Invoices: len(b.Invoices), DeliveryNotes: len(b.DeliveryNotes)}, nil
}
