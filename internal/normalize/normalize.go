// Package normalize canonicalizes supplier names, SKUs and line descriptions
// and measures their similarity.
//
// All functions are pure and safe for concurrent use.
package normalize

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/xrash/smetrics"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// supplierSuffixes are business-form words dropped from the end of a supplier name.
var supplierSuffixes = map[string]bool{
	"ltd":         true,
	"limited":     true,
	"plc":         true,
	"inc":         true,
	"corp":        true,
	"corporation": true,
	"llc":         true,
	"co":          true,
}

// stopWords are ignored when comparing line descriptions.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true,
}

// fold lower-cases (Unicode case folding) and strips diacritics.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// words splits s on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SupplierName returns the comparison form of a supplier name: folded,
// punctuation removed and trailing business suffixes stripped.
//
//	SupplierName("Stori Ltd.")   // "stori"
//	SupplierName("STORI LIMITED") // "stori"
func SupplierName(name string) string {
	w := words(fold(name))
	for len(w) > 1 && supplierSuffixes[w[len(w)-1]] {
		w = w[:len(w)-1]
	}
	return strings.Join(w, " ")
}

// Description returns the comparison form of a line description: folded,
// punctuation and stop words removed, whitespace collapsed.
func Description(desc string) string {
	w := words(fold(desc))
	kept := w[:0]
	for _, word := range w {
		if !stopWords[word] {
			kept = append(kept, word)
		}
	}
	return strings.Join(kept, " ")
}

// SKU returns the comparison form of a stock-keeping unit: upper-cased with
// spaces and dashes removed.
func SKU(sku string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, strings.TrimSpace(sku))
}

// Unit returns the comparison form of a unit of measure.
func Unit(unit string) string {
	return strings.Join(words(fold(unit)), "")
}

// JaroWinkler returns the Jaro-Winkler similarity of two already-normalized
// strings in [0, 1].
func JaroWinkler(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// LevenshteinRatio returns 1 - distance/max(len) over runes, in [0, 1].
func LevenshteinRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// DescriptionSimilarity normalizes both descriptions and returns their
// Levenshtein ratio.
func DescriptionSimilarity(a, b string) float64 {
	return LevenshteinRatio(Description(a), Description(b))
}
