package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pairwise/internal/ir"
)

// Scenario is a scripted matching session: the documents on hand, the
// decisions taken in order, and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Actor is recorded on every decision. Defaults to DefaultActor.
	Actor string `yaml:"actor,omitempty"`

	// Invoices and DeliveryNotes seed the document store.
	Invoices      []Document `yaml:"invoices"`
	DeliveryNotes []Document `yaml:"delivery_notes,omitempty"`

	// Flow is executed in order against a fresh engine.
	Flow []Step `yaml:"flow"`

	// Assertions are checked once the flow has run.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultActor is the actor of scenarios that name none.
const DefaultActor = "harness"

// Document is an invoice or delivery note in scenario form. Amounts are
// decimal strings and dates are YYYY-MM-DD.
type Document struct {
	ID       string `yaml:"id"`
	Supplier string `yaml:"supplier"`
	Date     string `yaml:"date,omitempty"`
	Total    string `yaml:"total,omitempty"`
	Lines    []Line `yaml:"lines"`
}

// Line is a document line in scenario form. An empty price is absent.
type Line struct {
	SKU         string `yaml:"sku,omitempty"`
	Description string `yaml:"description,omitempty"`
	Qty         string `yaml:"qty"`
	Price       string `yaml:"price,omitempty"`
}

// Step is one flow entry. Which fields apply depends on Do.
type Step struct {
	Do      string `yaml:"do"`
	Invoice string `yaml:"invoice,omitempty"`
	Note    string `yaml:"note,omitempty"`

	// Online is the connectivity for set_online.
	Online *bool `yaml:"online,omitempty"`

	// Document replaces or adds a delivery note for update_note.
	Document *Document `yaml:"document,omitempty"`

	// Op names the document store operation fail_next breaks once.
	Op string `yaml:"op,omitempty"`

	// Lookback bounds retry_late, as a Go duration.
	Lookback string `yaml:"lookback,omitempty"`

	// Expect, when set, must equal the step's outcome.
	Expect string `yaml:"expect,omitempty"`
}

// Step kinds.
const (
	StepConfirm         = "confirm"
	StepReject          = "reject"
	StepOverride        = "override"
	StepReconcile       = "reconcile"
	StepCandidates      = "candidates"
	StepRetryCandidates = "retry_candidates"
	StepDrain           = "drain"
	StepRetryLate       = "retry_late"
	StepSetOnline       = "set_online"
	StepUpdateNote      = "update_note"
	StepFailNext        = "fail_next"
)

// Assertion checks the final state of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Invoice string `yaml:"invoice,omitempty"`
	Note    string `yaml:"note,omitempty"`

	// Status is the expected current pair status (pair_status).
	Status string `yaml:"status,omitempty"`

	// Pending, when set, is the expected pending marker (pair_status).
	Pending *bool `yaml:"pending,omitempty"`

	// Action and Count are used by audit_count.
	Action string `yaml:"action,omitempty"`
	Count  int    `yaml:"count,omitempty"`

	// Actions is the expected audit action order (audit_order).
	Actions []string `yaml:"actions,omitempty"`

	// Queued and Failed are the expected queue depths (queue_depth).
	Queued int `yaml:"queued,omitempty"`
	Failed int `yaml:"failed,omitempty"`
}

// Assertion type constants.
const (
	AssertPairStatus = "pair_status"
	AssertNoPair     = "no_pair"
	AssertAuditOrder = "audit_order"
	AssertAuditCount = "audit_count"
	AssertQueueDepth = "queue_depth"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Invoices) == 0 {
		return fmt.Errorf("invoices list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, d := range s.Invoices {
		if _, err := d.invoice(); err != nil {
			return fmt.Errorf("invoices[%d]: %w", i, err)
		}
	}
	for i, d := range s.DeliveryNotes {
		if _, err := d.deliveryNote(); err != nil {
			return fmt.Errorf("delivery_notes[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("flow[%d]: %s is required for %s", index, field, st.Do)
		}
		return nil
	}

	switch st.Do {
	case StepConfirm, StepReject, StepOverride:
		if err := need("invoice", st.Invoice); err != nil {
			return err
		}
		return need("note", st.Note)
	case StepReconcile, StepCandidates, StepRetryCandidates:
		return need("invoice", st.Invoice)
	case StepDrain:
		return nil
	case StepRetryLate:
		if st.Lookback == "" {
			return nil
		}
		if _, err := time.ParseDuration(st.Lookback); err != nil {
			return fmt.Errorf("flow[%d]: lookback: %w", index, err)
		}
		return nil
	case StepSetOnline:
		if st.Online == nil {
			return fmt.Errorf("flow[%d]: online is required for set_online", index)
		}
		return nil
	case StepUpdateNote:
		if st.Document == nil {
			return fmt.Errorf("flow[%d]: document is required for update_note", index)
		}
		if _, err := st.Document.deliveryNote(); err != nil {
			return fmt.Errorf("flow[%d].document: %w", index, err)
		}
		return nil
	case StepFailNext:
		return need("op", st.Op)
	case "":
		return fmt.Errorf("flow[%d]: do is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown step %q", index, st.Do)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertPairStatus:
		if a.Invoice == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: invoice and status are required for pair_status", index)
		}
	case AssertNoPair:
		if a.Invoice == "" {
			return fmt.Errorf("assertions[%d]: invoice is required for no_pair", index)
		}
	case AssertAuditOrder:
		if a.Invoice == "" || len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: invoice and actions are required for audit_order", index)
		}
	case AssertAuditCount:
		if a.Invoice == "" || a.Action == "" {
			return fmt.Errorf("assertions[%d]: invoice and action are required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertQueueDepth:
		if a.Queued < 0 || a.Failed < 0 {
			return fmt.Errorf("assertions[%d]: queue depths must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (d Document) invoice() (ir.Invoice, error) {
	date, total, lines, err := d.parse()
	if err != nil {
		return ir.Invoice{}, err
	}
	return ir.Invoice{ID: d.ID, SupplierName: d.Supplier, Date: date, Total: total, Lines: lines}, nil
}

func (d Document) deliveryNote() (ir.DeliveryNote, error) {
	date, total, lines, err := d.parse()
	if err != nil {
		return ir.DeliveryNote{}, err
	}
	return ir.DeliveryNote{ID: d.ID, SupplierName: d.Supplier, Date: date, Total: total, Lines: lines}, nil
}

func (d Document) parse() (time.Time, decimal.NullDecimal, []ir.LineItem, error) {
	var (
		date  time.Time
		total decimal.NullDecimal
		err   error
	)
	if d.ID == "" {
		return date, total, nil, fmt.Errorf("id is required")
	}
	if d.Date != "" {
		if date, err = time.Parse(time.DateOnly, d.Date); err != nil {
			return date, total, nil, fmt.Errorf("%s: date: %w", d.ID, err)
		}
	}
	if total, err = amount(d.Total); err != nil {
		return date, total, nil, fmt.Errorf("%s: total: %w", d.ID, err)
	}

	lines := make([]ir.LineItem, 0, len(d.Lines))
	for i, l := range d.Lines {
		qty, err := decimal.NewFromString(l.Qty)
		if err != nil {
			return date, total, nil, fmt.Errorf("%s: lines[%d]: qty: %w", d.ID, i, err)
		}
		price, err := amount(l.Price)
		if err != nil {
			return date, total, nil, fmt.Errorf("%s: lines[%d]: price: %w", d.ID, i, err)
		}
		lines = append(lines, ir.LineItem{
			SKU:         l.SKU,
			Description: l.Description,
			Quantity:    qty,
			UnitPrice:   price,
		})
	}
	return date, total, lines, nil
}

func amount(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
