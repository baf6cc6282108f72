package harness

// TraceEvent records one executed flow step and what came of it.
type TraceEvent struct {
	Step    int    `json:"step"`
	Do      string `json:"do"`
	Invoice string `json:"invoice,omitempty"`
	Note    string `json:"note,omitempty"`
	Outcome string `json:"outcome"`
}

// AuditEntry is the stable part of an audit record: ids and timestamps are
// left out so traces compare across runs.
type AuditEntry struct {
	Invoice    string `json:"invoice"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	Note       string `json:"delivery_note_id,omitempty"`
	PrevStatus string `json:"prev_status"`
	NewStatus  string `json:"new_status"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Audit is the audit trail of every scenario invoice, in invoice order.
	Audit []AuditEntry `json:"audit"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Audit:  []AuditEntry{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step outcome to the trace.
func (r *Result) AddTrace(step int, st Step, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:    step,
		Do:      st.Do,
		Invoice: st.Invoice,
		Note:    st.Note,
		Outcome: outcome,
	})
}
