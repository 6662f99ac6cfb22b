package selector

import (
	"errors"
	"testing"

	"tessera/internal/cdm"
	"tessera/internal/keys"
)

func TestQualityPredicateTieBreak(t *testing.T) {
	tree, err := ParseTree(map[string]any{
		"example": map[string]any{">=1080": "X", ">=720": "Y", "default": "Z"},
	})
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}
	cases := []struct {
		quality int
		want    string
	}{
		{2160, "X"},
		{1080, "X"},
		{900, "Y"},
		{720, "Y"},
		{480, "Z"},
		{0, "Z"},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			got, err := tree.Resolve(Request{Service: "EXAMPLE", Quality: tc.quality})
			if err != nil {
				t.Fatalf("quality %d: %v", tc.quality, err)
			}
			if got != tc.want {
				t.Fatalf("quality %d: expected %s, got %s", tc.quality, tc.want, got)
			}
		}
	}
}

func TestSortPredicatesOrder(t *testing.T) {
	var predicates []Predicate
	for _, key := range []string{"<480", ">=720", "1080", "<=720", ">1080", ">=1080", "576p"} {
		predicate, ok := ParsePredicate(key)
		if !ok {
			t.Fatalf("ParsePredicate(%q) failed", key)
		}
		predicates = append(predicates, predicate)
	}
	SortPredicates(predicates)
	want := []string{"1080", "576p", ">1080", ">=1080", ">=720", "<480", "<=720"}
	for i, predicate := range predicates {
		if predicate.Key != want[i] {
			t.Fatalf("position %d: expected %s, got %s (order %v)", i, want[i], predicate.Key, predicates)
		}
	}
}

func TestExactPredicateBeatsBounds(t *testing.T) {
	tree, err := ParseTree(map[string]any{
		"example": map[string]any{">=720": "bound", "1080": "exact"},
	})
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}
	if got, _ := tree.Resolve(Request{Service: "example", Quality: 1080}); got != "exact" {
		t.Fatalf("expected exact, got %s", got)
	}
	if got, _ := tree.Resolve(Request{Service: "example", Quality: 1440}); got != "bound" {
		t.Fatalf("expected bound, got %s", got)
	}
}

func TestClassifyTables(t *testing.T) {
	tree, err := ParseTree(map[string]any{
		"default": "chrome",
		"quality": map[string]any{"<720": "low", ">=720": "high"},
		"schemes": map[string]any{"widevine": "wv", "PlayReady": "pr"},
		"profiles": map[string]any{
			"premium": map[string]any{">=1080": "l1", "default": "l3"},
			"default": "basic",
		},
	})
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}
	kinds := map[string]Kind{"quality": QualityMap, "schemes": SchemeMap, "profiles": ProfileMap}
	for service, want := range kinds {
		if got := tree.Services[service].Kind; got != want {
			t.Fatalf("%s: expected %s, got %s", service, want, got)
		}
	}
	if tree.Default == nil || tree.Default.Kind != Leaf {
		t.Fatalf("expected leaf default")
	}

	resolve := func(req Request) string {
		t.Helper()
		name, err := tree.Resolve(req)
		if err != nil {
			t.Fatalf("Resolve(%+v): %v", req, err)
		}
		return name
	}
	if got := resolve(Request{Service: "schemes", Scheme: cdm.PlayReady}); got != "pr" {
		t.Fatalf("expected pr, got %s", got)
	}
	if got := resolve(Request{Service: "schemes"}); got != "wv" {
		t.Fatalf("expected primary scheme wv, got %s", got)
	}
	if got := resolve(Request{Service: "profiles", Profile: "premium", Quality: 2160}); got != "l1" {
		t.Fatalf("expected nested l1, got %s", got)
	}
	if got := resolve(Request{Service: "profiles", Profile: "premium", Quality: 720}); got != "l3" {
		t.Fatalf("expected nested default l3, got %s", got)
	}
	if got := resolve(Request{Service: "profiles", Profile: "guest"}); got != "basic" {
		t.Fatalf("expected profile default, got %s", got)
	}
	if got := resolve(Request{Service: "unknown"}); got != "chrome" {
		t.Fatalf("expected global default, got %s", got)
	}
	if got := resolve(Request{Service: "schemes", Scheme: cdm.ClearKey}); got != "chrome" {
		t.Fatalf("expected global default for unmatched scheme, got %s", got)
	}
}

func TestResolveWithoutDefaultIsConfigurationError(t *testing.T) {
	tree, err := ParseTree(map[string]any{
		"example": map[string]any{">=1080": "X"},
	})
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}
	if _, err := tree.Resolve(Request{Service: "example", Quality: 720}); !errors.Is(err, keys.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := tree.Resolve(Request{Service: "other"}); !errors.Is(err, keys.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestParseTreeRejectsBadValues(t *testing.T) {
	for _, raw := range []map[string]any{
		{"default": ""},
		{"example": 12},
		{"example": map[string]any{}},
	} {
		if _, err := ParseTree(raw); !errors.Is(err, keys.ErrConfiguration) {
			t.Fatalf("expected configuration error for %v, got %v", raw, err)
		}
	}
}
