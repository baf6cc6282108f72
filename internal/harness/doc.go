// Package harness runs scripted matching sessions against the engine.
//
// A scenario is a YAML file naming the documents on hand, a flow of
// decisions and the assertions that must hold afterwards:
//
//	name: confirm_then_reject
//	description: "Rejecting the matched note returns the invoice to unmatched"
//	invoices:
//	  - id: INV-1
//	    supplier: STORI LTD
//	    date: "2025-10-12"
//	    total: "126.40"
//	    lines:
//	      - {sku: KEG, description: Keg, qty: "2", price: "63.20"}
//	delivery_notes:
//	  - id: DN-1
//	    supplier: STORI LTD
//	    date: "2025-10-12"
//	    lines:
//	      - {sku: KEG, description: Keg, qty: "2"}
//	flow:
//	  - {do: confirm, invoice: INV-1, note: DN-1, expect: matched}
//	  - {do: reject, invoice: INV-1, note: DN-1}
//	assertions:
//	  - {type: no_pair, invoice: INV-1}
//	  - {type: audit_order, invoice: INV-1, actions: [confirm, reject]}
//
// # Steps
//
// confirm, reject and override take an invoice and a note; override
// replaces the note of the invoice's current pair. reconcile, candidates
// and retry_candidates take an invoice. drain delivers the action queue,
// retry_late runs late matching, set_online switches connectivity,
// update_note replaces or adds a delivery note and fail_next breaks the
// next call of a document store operation.
//
// Each step's outcome is traced: the pair status (suffixed " pending" while
// undelivered), "error:<KIND>" for engine errors, or a step-specific
// summary. A step's expect field must equal its outcome.
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory document store and ledger, a
// deterministic clock and sequential ids. The trace and the audit trail,
// without ids or timestamps, are stable across runs and can be compared
// against golden files with RunWithGolden.
package harness
