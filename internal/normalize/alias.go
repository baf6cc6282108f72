package normalize

import "sort"

// AliasTable maps supplier name variants to a canonical supplier name.
// Lookups are by normalized name, so "Stori Ltd" and "STORI" share an entry.
//
// An AliasTable is immutable after construction and safe for concurrent use.
type AliasTable struct {
	canonical map[string]string
	variants  map[string][]string
}

// NewAliasTable builds a table from canonical name → raw variant names.
// The canonical name is always a variant of itself.
func NewAliasTable(aliases map[string][]string) *AliasTable {
	t := &AliasTable{
		canonical: make(map[string]string),
		variants:  make(map[string][]string),
	}
	canons := make([]string, 0, len(aliases))
	for canon := range aliases {
		canons = append(canons, canon)
	}
	// First claim wins when a variant is listed under two names.
	sort.Strings(canons)
	for _, canon := range canons {
		key := SupplierName(canon)
		if key == "" {
			continue
		}
		t.add(key, canon)
		for _, v := range aliases[canon] {
			t.add(key, v)
		}
	}
	for key := range t.variants {
		sort.Strings(t.variants[key])
	}
	return t
}

func (t *AliasTable) add(key, raw string) {
	n := SupplierName(raw)
	if n == "" {
		return
	}
	if _, ok := t.canonical[n]; ok {
		return
	}
	t.canonical[n] = key
	t.variants[key] = append(t.variants[key], raw)
}

// Canonical returns the canonical normalized name for a supplier and whether
// the name is known to the table.
func (t *AliasTable) Canonical(name string) (string, bool) {
	n := SupplierName(name)
	if t == nil {
		return n, false
	}
	c, ok := t.canonical[n]
	if !ok {
		return n, false
	}
	return c, true
}

// Same reports whether two supplier names resolve to the same canonical entry.
func (t *AliasTable) Same(a, b string) bool {
	ca, okA := t.Canonical(a)
	cb, okB := t.Canonical(b)
	return okA && okB && ca == cb
}

// Variants returns every supplier name that should be queried for a
// supplier: the name itself followed by the other known variants of its
// canonical entry. Variants that normalize to the same form as name are
// omitted since document stores match on normalized names.
func (t *AliasTable) Variants(name string) []string {
	out := []string{name}
	c, ok := t.Canonical(name)
	if !ok {
		return out
	}
	self := SupplierName(name)
	for _, v := range t.variants[c] {
		if SupplierName(v) != self {
			out = append(out, v)
		}
	}
	return out
}
