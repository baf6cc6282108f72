// Package engine is the matching and reconciliation engine's public surface.
//
// An Engine ties together the candidate generator, the pair state machine
// and the action queue. Every reviewer decision follows the same path:
//
//  1. take the invoice lock (and the delivery note's, for claims)
//  2. apply the decision to the ledger optimistically, tagged with a fresh
//     action id and marked pending
//  3. enqueue the action
//  4. release the locks and, when online, flush the invoice's queue
//
// A delivered action clears the pending marker. An action that exhausts
// its retries is reverted, leaving the invoice in its last consistent
// state. An action cancelled by a later override keeps its local effects
// as history and loses its pending marker.
//
// Thread-safety: all Engine methods are safe for concurrent use. Decisions
// on one invoice are serialized through a lock.Locker; decisions on
// different invoices proceed in parallel. Scoring, candidate ranking and
// reconciliation never wait on the dispatch path.
package engine
