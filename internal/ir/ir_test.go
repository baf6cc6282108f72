package ir

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScoreBreakdownRounds(t *testing.T) {
	b, err := NewScoreBreakdown(33.3333, 25, 15.006, 4.444)
	require.NoError(t, err)

	assert.Equal(t, 33.33, b.Supplier)
	assert.Equal(t, 25.0, b.Date)
	assert.Equal(t, 15.01, b.LineItems)
	assert.Equal(t, 4.44, b.Value)
	assert.Equal(t, 77.78, b.Confidence())
}

func TestNewScoreBreakdownRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name                      string
		supplier, date, lines, vl float64
	}{
		{"negative supplier", -1, 0, 0, 0},
		{"supplier above max", 40.5, 0, 0, 0},
		{"date above max", 0, 26, 0, 0},
		{"lines above max", 0, 0, 31, 0},
		{"value above max", 0, 0, 0, 5.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScoreBreakdown(tt.supplier, tt.date, tt.lines, tt.vl)
			require.Error(t, err)
			assert.True(t, IsInputError(err))
		})
	}
}

func TestScoreBreakdownMaxIsHundred(t *testing.T) {
	b := MustScoreBreakdown(MaxSupplier, MaxDate, MaxLineItems, MaxValue)
	assert.Equal(t, 100.0, b.Confidence())
}

func TestLineItemRef(t *testing.T) {
	assert.Equal(t, "L1", LineItem{}.Ref(0))
	assert.Equal(t, "L3", LineItem{}.Ref(2))
	assert.Equal(t, "line-9", LineItem{ID: "line-9"}.Ref(0))
}

func TestDaysApart(t *testing.T) {
	a := time.Date(2025, 10, 12, 23, 30, 0, 0, time.UTC)
	b := time.Date(2025, 10, 16, 0, 15, 0, 0, time.UTC)
	assert.Equal(t, 4, DaysApart(a, b))
	assert.Equal(t, 4, DaysApart(b, a))
	assert.Equal(t, 0, DaysApart(a, a.Add(-time.Hour)))
}

func TestErrorKinds(t *testing.T) {
	conflict := Errorf(KindStateConflict, "ConfirmPair", "invoice already matched")
	wrapped := fmt.Errorf("engine: %w", conflict)

	assert.True(t, IsStateConflict(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.False(t, IsInputError(wrapped))

	dispatch := WrapError(KindDispatch, "dispatch", errors.New("connection refused"))
	assert.True(t, IsRetryable(dispatch))
	assert.ErrorContains(t, dispatch, "connection refused")

	assert.True(t, IsRetryable(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(nil))
}

func TestErrorMessageIncludesIDs(t *testing.T) {
	err := NotFound("GetInvoice", "invoice", "INV-1")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, `NOT_FOUND GetInvoice: invoice "INV-1" not found (invoice=INV-1)`, err.Error())
}

func TestLineDiffIDDeterministic(t *testing.T) {
	a := LineDiffID("pair-1", "L1", "L2", false)
	b := LineDiffID("pair-1", "L1", "L2", false)
	assert.Equal(t, a, b)
	assert.Len(t, a, 27)

	assert.NotEqual(t, a, LineDiffID("pair-1", "L1", "L2", true))
	assert.NotEqual(t, a, LineDiffID("pair-2", "L1", "L2", false))
	assert.NotEqual(t, LineDiffID("p", "L1", "", false), LineDiffID("p", "", "L1", false))
}

func TestNaturalKey(t *testing.T) {
	a := QueuedAction{ID: "a1", Kind: ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-1"}
	b := QueuedAction{ID: "a2", Kind: ActionConfirm, InvoiceID: "INV-1", DeliveryNoteID: "DN-1", RetryCount: 2}

	assert.Equal(t, a.NaturalKey(), b.NaturalKey())
	assert.Equal(t, a.NaturalKey().Hash(), b.NaturalKey().Hash())
	assert.Equal(t, "INV-1/DN-1/confirm", a.NaturalKey().String())

	c := a
	c.Kind = ActionReject
	assert.NotEqual(t, a.NaturalKey().Hash(), c.NaturalKey().Hash())
}

func TestMarshalCanonical(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"b": "x<y",
		"a": []any{int64(1), true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,true],"b":"x<y"}`, string(out))

	_, err = MarshalCanonical(map[string]any{"f": 1.5})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"n": nil})
	assert.Error(t, err)
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	out, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	out, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("pair")
	assert.Equal(t, "pair-1", g.Generate())
	assert.Equal(t, "pair-2", g.Generate())
}

func TestFixedGeneratorPanicsWhenExhausted(t *testing.T) {
	g := NewFixedGenerator("only")
	assert.Equal(t, "only", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestClockObserve(t *testing.T) {
	c := NewClockAt(5)
	assert.Equal(t, int64(6), c.Next())
	c.Observe(3)
	assert.Equal(t, int64(6), c.Current())
	c.Observe(10)
	assert.Equal(t, int64(11), c.Next())
}

func TestAppendReasonDeduplicates(t *testing.T) {
	r := AppendReason(nil, ReasonDateSame)
	r = AppendReason(r, ReasonDateSame)
	r = AppendReason(r, ReasonValueMatch)
	assert.Equal(t, []ReasonCode{ReasonDateSame, ReasonValueMatch}, r)
}
