// Package docstore is the document store adapter backed by gorm.
//
// It holds ingested invoices and delivery notes, receives the pairs and line
// diffs the engine persists, and applies reviewed decisions idempotently.
// The driver is picked from the DSN: postgres:// and postgresql:// use
// Postgres, mysql:// uses MySQL, anything else is a SQLite path.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/roach88/pairwise/internal/ir"
	"github.com/roach88/pairwise/internal/normalize"
)

// Store is a gorm-backed document store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	log logrus.FieldLogger
	now func() time.Time
}

// WithLogger routes gorm's warnings and slow-query reports to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithNow sets the clock used for decision timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Dialector returns the gorm dialector for a DSN.
func Dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	default:
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// Open connects to dsn and migrates the document tables.
func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("docstore: empty DSN")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if o.log != nil {
		cfg.Logger = logger.New(o.log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	dialector := Dialector(dsn)
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("docstore: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, opts...)
}

// New wraps an open gorm connection and migrates the document tables.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	for _, m := range allModels() {
		if err := db.AutoMigrate(m); err != nil {
			return nil, fmt.Errorf("docstore: automigrate %T: %w", m, err)
		}
	}
	return &Store{db: db, now: o.now}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func orderedLines(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// GetInvoice returns the invoice or a NOT_FOUND error.
func (s *Store) GetInvoice(ctx context.Context, id string) (ir.Invoice, error) {
	var m invoiceModel
	err := s.db.WithContext(ctx).Preload("Lines", orderedLines).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ir.Invoice{}, ir.NotFound("GetInvoice", "invoice", id)
	}
	if err != nil {
		return ir.Invoice{}, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return m.invoice(), nil
}

// GetDeliveryNote returns the delivery note or a NOT_FOUND error.
func (s *Store) GetDeliveryNote(ctx context.Context, id string) (ir.DeliveryNote, error) {
	var m deliveryNoteModel
	err := s.db.WithContext(ctx).Preload("Lines", orderedLines).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ir.DeliveryNote{}, ir.NotFound("GetDeliveryNote", "delivery note", id)
	}
	if err != nil {
		return ir.DeliveryNote{}, fmt.Errorf("get delivery note %s: %w", id, err)
	}
	return m.deliveryNote(), nil
}

// window restricts q to dates within [start, end]. Undated documents only
// pass a fully open window.
func window(q *gorm.DB, start, end time.Time) *gorm.DB {
	if !start.IsZero() {
		q = q.Where("date >= ?", ir.Day(start))
	}
	if !end.IsZero() {
		q = q.Where("date <= ?", ir.Day(end))
	}
	return q
}

// FindDeliveryNotesBySupplierAndWindow matches suppliers by normalized name
// and dates inclusively. Results are ordered by id.
func (s *Store) FindDeliveryNotesBySupplierAndWindow(ctx context.Context, supplier string, start, end time.Time) ([]ir.DeliveryNote, error) {
	q := s.db.WithContext(ctx).Preload("Lines", orderedLines).
		Where("supplier_key = ?", normalize.SupplierName(supplier))
	var rows []deliveryNoteModel
	if err := window(q, start, end).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find delivery notes for %q: %w", supplier, err)
	}
	out := make([]ir.DeliveryNote, len(rows))
	for i, m := range rows {
		out[i] = m.deliveryNote()
	}
	return out, nil
}

// ListInvoices returns invoices dated within [from, to], ordered by id.
func (s *Store) ListInvoices(ctx context.Context, from, to time.Time) ([]ir.Invoice, error) {
	q := s.db.WithContext(ctx).Preload("Lines", orderedLines)
	var rows []invoiceModel
	if err := window(q, from, to).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	out := make([]ir.Invoice, len(rows))
	for i, m := range rows {
		out[i] = m.invoice()
	}
	return out, nil
}

// SaveInvoice inserts or replaces an invoice and its lines.
func (s *Store) SaveInvoice(ctx context.Context, inv ir.Invoice) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveInvoice(tx, inv)
	})
}

// SaveDeliveryNote inserts or replaces a delivery note and its lines.
func (s *Store) SaveDeliveryNote(ctx context.Context, dn ir.DeliveryNote) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveDeliveryNote(tx, dn)
	})
}

func saveInvoice(tx *gorm.DB, inv ir.Invoice) error {
	m := toInvoiceModel(inv)
	if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("save invoice %s: %w", inv.ID, err)
	}
	return replaceLines(tx, docInvoice, inv.ID, inv.Lines)
}

func saveDeliveryNote(tx *gorm.DB, dn ir.DeliveryNote) error {
	m := toDeliveryNoteModel(dn)
	if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("save delivery note %s: %w", dn.ID, err)
	}
	return replaceLines(tx, docDeliveryNote, dn.ID, dn.Lines)
}

func replaceLines(tx *gorm.DB, docType, docID string, lines []ir.LineItem) error {
	if err := tx.Where("doc_type = ? AND doc_id = ?", docType, docID).Delete(&lineModel{}).Error; err != nil {
		return fmt.Errorf("replace %s lines %s: %w", docType, docID, err)
	}
	if len(lines) == 0 {
		return nil
	}
	rows := toLineModels(docType, docID, lines)
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("replace %s lines %s: %w", docType, docID, err)
	}
	return nil
}

// PersistPair records the latest version of a pair.
func (s *Store) PersistPair(ctx context.Context, pair ir.MatchingPair) error {
	m := toPairModel(pair)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("persist pair %s: %w", pair.ID, err)
	}
	return nil
}

// PersistLineDiffs replaces the diffs stored for a pair.
func (s *Store) PersistLineDiffs(ctx context.Context, pairID string, diffs []ir.LineDiff) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pair_id = ?", pairID).Delete(&lineDiffModel{}).Error; err != nil {
			return fmt.Errorf("persist line diffs %s: %w", pairID, err)
		}
		if len(diffs) == 0 {
			return nil
		}
		rows := toLineDiffModels(pairID, diffs)
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("persist line diffs %s: %w", pairID, err)
		}
		return nil
	})
}

// ApplyDecision applies one reviewed decision in a transaction. The latest
// decision is kept per invoice; replaying it is a no-op.
func (s *Store) ApplyDecision(ctx context.Context, action ir.QueuedAction) error {
	if !action.Kind.Valid() {
		return ir.Errorf(ir.KindInput, "ApplyDecision", "unknown action kind %q", action.Kind)
	}
	key := action.NaturalKey()
	hash := key.Hash()
	now := s.now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur decisionModel
		err := tx.Where("invoice_id = ?", action.InvoiceID).Take(&cur).Error
		switch {
		case err == nil && cur.KeyHash == hash:
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("apply decision %s: %w", key, err)
		}

		row := decisionModel{
			InvoiceID:      action.InvoiceID,
			KeyHash:        hash,
			Kind:           string(action.Kind),
			DeliveryNoteID: action.DeliveryNoteID,
			PairID:         action.PairID,
			ActionID:       action.ID,
			Actor:          action.Actor,
			AppliedAt:      now,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("apply decision %s: %w", key, err)
		}
		entry := decisionLogModel{
			InvoiceID:      action.InvoiceID,
			KeyHash:        hash,
			Kind:           string(action.Kind),
			DeliveryNoteID: action.DeliveryNoteID,
			ActionID:       action.ID,
			Actor:          action.Actor,
			AppliedAt:      now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("apply decision %s: log: %w", key, err)
		}
		return nil
	})
}

// Decision returns the latest decision applied for an invoice.
func (s *Store) Decision(ctx context.Context, invoiceID string) (ir.NaturalKey, bool, error) {
	var cur decisionModel
	err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Take(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ir.NaturalKey{}, false, nil
	}
	if err != nil {
		return ir.NaturalKey{}, false, fmt.Errorf("decision %s: %w", invoiceID, err)
	}
	return ir.NaturalKey{
		InvoiceID:      cur.InvoiceID,
		DeliveryNoteID: cur.DeliveryNoteID,
		Kind:           ir.ActionKind(cur.Kind),
	}, true, nil
}

// DecisionCount returns how many decisions changed state for an invoice.
func (s *Store) DecisionCount(ctx context.Context, invoiceID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&decisionLogModel{}).Where("invoice_id = ?", invoiceID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count decisions %s: %w", invoiceID, err)
	}
	return n, nil
}

// PersistedPairStatus returns the stored status of a pair.
func (s *Store) PersistedPairStatus(ctx context.Context, pairID string) (ir.PairStatus, error) {
	var m pairModel
	err := s.db.WithContext(ctx).Where("id = ?", pairID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ir.NotFound("PersistedPairStatus", "pair", pairID)
	}
	if err != nil {
		return "", fmt.Errorf("pair %s: %w", pairID, err)
	}
	return ir.PairStatus(m.Status), nil
}

// LineDiffs returns the persisted diffs of a pair in reconciliation order.
func (s *Store) LineDiffs(ctx context.Context, pairID string) ([]ir.LineDiff, error) {
	var rows []lineDiffModel
	if err := s.db.WithContext(ctx).Where("pair_id = ?", pairID).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("line diffs %s: %w", pairID, err)
	}
	out := make([]ir.LineDiff, len(rows))
	for i, m := range rows {
		out[i] = m.lineDiff()
	}
	return out, nil
}
