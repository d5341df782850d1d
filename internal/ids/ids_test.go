package ids

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestNextIDMonotonicAndDecomposable(t *testing.T) {
	g, err := NewGenerator(42)
	if err != nil {
		t.Fatal(err)
	}
	prev := int64(0)
	for i := 0; i < 5000; i++ {
		id := g.NextID()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
	ts, worker, _ := Decompose(prev)
	if worker != 42 {
		t.Fatalf("worker = %d", worker)
	}
	if time.Since(ts) > time.Minute || ts.Before(Epoch) {
		t.Fatalf("unexpected timestamp %s", ts)
	}
}

func TestNextIDSequenceOverflowAdvances(t *testing.T) {
	g, _ := NewGenerator(1)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	slept := 0
	g.sleep = func(time.Duration) { slept++ }

	seen := map[int64]struct{}{}
	for i := 0; i < 3*(maxSequence+1); i++ {
		id := g.NextID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id at %d", i)
		}
		seen[id] = struct{}{}
	}
	if slept == 0 {
		t.Fatal("expected generator to wait on sequence overflow")
	}
}

func TestNextIDClockBackwards(t *testing.T) {
	g, _ := NewGenerator(3)
	now := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	g.now = func() time.Time { return now }
	first := g.NextID()
	now = now.Add(-time.Second)
	second := g.NextID()
	if second <= first {
		t.Fatalf("expected monotonic id after clock moved back: %d <= %d", second, first)
	}
}

func TestNewGeneratorWorkerBounds(t *testing.T) {
	if _, err := NewGenerator(maxWorkerID + 1); err == nil {
		t.Fatal("expected error for worker id overflow")
	}
	g, err := NewGenerator(-1)
	if err != nil {
		t.Fatal(err)
	}
	if g.WorkerID() < 0 || g.WorkerID() > maxWorkerID {
		t.Fatalf("random worker out of range: %d", g.WorkerID())
	}
}

func TestPublicIDsSortByCreation(t *testing.T) {
	g, _ := NewGenerator(9)
	var created []string
	for i := 0; i < 200; i++ {
		created = append(created, g.New(KindDeployment))
	}
	sorted := append([]string(nil), created...)
	sort.Strings(sorted)
	for i := range created {
		if sorted[i] != created[i] {
			t.Fatalf("ids not sortable at %d: %s vs %s", i, sorted[i], created[i])
		}
	}
	if !strings.HasPrefix(created[0], "bfd_") || KindOf(created[0]) != KindDeployment {
		t.Fatalf("unexpected prefix: %s", created[0])
	}
	if len(created[0]) != len("bfd_")+sortWidth+randomSuffix {
		t.Fatalf("unexpected length: %s", created[0])
	}
	if KindOf("nounderscore") != "" {
		t.Fatal("expected empty kind")
	}
}

func TestPlainID(t *testing.T) {
	id := PlainID(12)
	if len(id) != 12 {
		t.Fatalf("len = %d", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune(lowerAlnum, r) {
			t.Fatalf("unexpected rune %q", r)
		}
	}
}

func TestContentIdentifierIsCanonical(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"y": []any{1, "x"}, "x": 2.5}}
	b := map[string]any{"a": map[string]any{"x": 2.5, "y": []any{1, "x"}}, "b": 1}
	ha, err := ContentIdentifier(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := ContentIdentifier(b)
	if ha != hb || len(ha) != 64 {
		t.Fatalf("hashes differ: %s %s", ha, hb)
	}

	type layer struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	canonical, err := CanonicalJSON(layer{Z: "1", A: "2"})
	if err != nil {
		t.Fatal(err)
	}
	if string(canonical) != `{"a":"2","z":"1"}` {
		t.Fatalf("unexpected canonical form: %s", canonical)
	}

	hc, _ := ContentIdentifier(map[string]any{"b": 2})
	if hc == ha {
		t.Fatal("different payloads should not collide")
	}
}
