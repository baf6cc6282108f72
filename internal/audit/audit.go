// Package audit fans committed audit records out to external consumers.
//
// Records are published after the ledger commit, so sinks see only durable
// transitions. A sink failure never rolls a transition back; callers log it.
package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/ir"
)

// Sink receives audit records in commit order.
type Sink interface {
	Publish(ctx context.Context, records []ir.AuditRecord) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, records []ir.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds a connection.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each record as a structured log line.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Publish(_ context.Context, records []ir.AuditRecord) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	for _, r := range records {
		log.WithFields(logrus.Fields{
			"seq":        r.Seq,
			"invoice_id": r.InvoiceID,
			"pair_id":    r.PairID,
			"action_id":  r.ActionID,
			"actor":      r.Actor,
			"prev":       r.PrevStatus,
			"next":       r.NewStatus,
			"reasons":    r.Reasons,
		}).Info("audit: " + string(r.Action))
	}
	return nil
}

// Memory collects records in memory.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Memory struct {
	mu      sync.Mutex
	records []ir.AuditRecord
}

func (s *Memory) Publish(_ context.Context, records []ir.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Records returns everything published so far.
func (s *Memory) Records() []ir.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.AuditRecord(nil), s.records...)
}
