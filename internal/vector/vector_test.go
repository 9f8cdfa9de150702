package vector

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_SearchRanksAndFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	must := func(id string, v []float32) {
		t.Helper()
		if err := m.Upsert(ctx, id, v, map[string]string{"name": id}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}
	must("weather", []float32{1, 0, 0})
	must("search", []float32{0.8, 0.6, 0})
	must("code", []float32{0, 0, 1})

	hits, err := m.Search(ctx, []float32{1, 0, 0}, 5, 0.7)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v, want weather and search", hits)
	}
	if hits[0].ID != "weather" || hits[1].ID != "search" {
		t.Errorf("order = %s, %s", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score < 0.999 || hits[1].Score < 0.79 || hits[1].Score > 0.81 {
		t.Errorf("scores = %f, %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].Payload["name"] != "weather" {
		t.Errorf("payload = %v", hits[0].Payload)
	}

	limited, _ := m.Search(ctx, []float32{1, 0, 0}, 1, 0)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d hits", len(limited))
	}
}

func TestMemory_UpsertReplacesAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Upsert(ctx, "a", []float32{1, 0}, nil)
	_ = m.Upsert(ctx, "a", []float32{0, 1}, nil)
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}
	hits, _ := m.Search(ctx, []float32{0, 1}, 1, 0.9)
	if len(hits) != 1 {
		t.Fatal("replaced vector not found")
	}
	_ = m.Delete(ctx, "a")
	if hits, _ := m.Search(ctx, []float32{0, 1}, 1, 0); len(hits) != 0 {
		t.Errorf("deleted vector still returned: %+v", hits)
	}
}

func TestMemory_DimensionMismatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Upsert(ctx, "a", []float32{1, 0, 0}, nil)

	if err := m.Upsert(ctx, "b", []float32{1, 0}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("upsert err = %v", err)
	}
	if _, err := m.Search(ctx, []float32{1, 0}, 1, 0); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("search err = %v", err)
	}
	if err := m.Upsert(ctx, "z", []float32{0, 0, 0}, nil); err == nil {
		t.Error("zero vector accepted")
	}
}
