package search

import "testing"

func TestParseRanking(t *testing.T) {
	order, err := parseRanking("[3, 1, 2]", 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{2, 0, 1}
	for i, idx := range order {
		if idx != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestParseRankingWithSurroundingProse(t *testing.T) {
	order, err := parseRanking("Here is the ranking: [2, 1] as requested.", 2)
	if err != nil {
		t.Fatal(err)
	}
	if order[0] != 1 || order[1] != 0 {
		t.Fatalf("order = %v", order)
	}
}

func TestParseRankingFillsMissingDocs(t *testing.T) {
	order, err := parseRanking("[2]", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 4 {
		t.Fatalf("len = %d, want 4", len(order))
	}
	if order[0] != 1 {
		t.Fatalf("first = %d, want 1", order[0])
	}
	seen := make(map[int]bool)
	for _, idx := range order {
		if idx < 0 || idx >= 4 || seen[idx] {
			t.Fatalf("bad order %v", order)
		}
		seen[idx] = true
	}
}

func TestParseRankingIgnoresOutOfRangeAndDuplicates(t *testing.T) {
	order, err := parseRanking("[9, 1, 1, 2]", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("order = %v", order)
	}
}

func TestParseRankingRejectsGarbage(t *testing.T) {
	if _, err := parseRanking("no array here", 3); err == nil {
		t.Fatal("expected error")
	}
	if _, err := parseRanking("[not json]", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestRankScoreConversion(t *testing.T) {
	// 1 - rank/n over three docs: 1.0, 0.666..., 0.333...
	docs := 3
	order := []int{2, 0, 1}
	scores := make([]float64, docs)
	n := float64(docs)
	for rank, idx := range order {
		scores[idx] = 1 - float64(rank)/n
	}
	if scores[2] != 1.0 {
		t.Fatalf("top score = %f", scores[2])
	}
	if !(scores[2] > scores[0] && scores[0] > scores[1]) {
		t.Fatalf("scores out of order: %v", scores)
	}
	if scores[1] <= 0 {
		t.Fatalf("last score must stay positive, got %f", scores[1])
	}
}
