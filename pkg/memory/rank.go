package memory

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// Cosine returns the cosine similarity of two vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

// Lexical scores the fraction of query terms present in text.
func Lexical(query, text string) float64 {
	q := terms(query)
	if len(q) == 0 {
		return 0
	}
	t := terms(text)
	hits := 0
	for term := range q {
		if _, ok := t[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

// Rank scores docs against the query and sorts them best first. Vectors are
// used when both sides have them.
func Rank(query string, queryVec []float32, docs []Document) []Document {
	for i := range docs {
		if len(queryVec) > 0 && len(docs[i].Embedding) > 0 {
			docs[i].Score = Cosine(queryVec, docs[i].Embedding)
		} else {
			docs[i].Score = Lexical(query, docs[i].Text)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	return docs
}

func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
