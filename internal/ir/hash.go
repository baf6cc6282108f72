package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainLineDiff   = "pairwise/line_diff/v1"
	DomainNaturalKey = "pairwise/natural_key/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// LineDiffID computes the deterministic id of a line diff from its pair and
// line references. Synthetic remainder diffs hash differently from their parent.
//
// The id is stable across re-reconciliation so unchanged diffs compare equal.
func LineDiffID(pairID, invoiceRef, deliveryRef string, synthetic bool) string {
	canonical, err := MarshalCanonical(map[string]any{
		"pair_id":      pairID,
		"invoice_ref":  invoiceRef,
		"delivery_ref": deliveryRef,
		"synthetic":    synthetic,
	})
	if err != nil {
		// Only strings and bools above; marshal cannot fail.
		panic(fmt.Sprintf("LineDiffID: %v", err))
	}
	return "ld_" + hashWithDomain(DomainLineDiff, canonical)[:24]
}

// Hash returns a stable digest of the natural key, used as a unique
// constraint by document stores.
func (k NaturalKey) Hash() string {
	canonical, err := MarshalCanonical(map[string]any{
		"invoice_id":       k.InvoiceID,
		"delivery_note_id": k.DeliveryNoteID,
		"kind":             string(k.Kind),
	})
	if err != nil {
		panic(fmt.Sprintf("NaturalKey.Hash: %v", err))
	}
	return hashWithDomain(DomainNaturalKey, canonical)
}
