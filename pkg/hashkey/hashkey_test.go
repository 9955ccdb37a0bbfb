package hashkey

import "testing"

func TestCollectionDeterministic(t *testing.T) {
	p := CollectionParams{Query: "Backend Engineer", Location: "Remote", IsRemote: true, Source: "linkedin", Limit: 25}
	a := Collection(p)
	b := Collection(p)
	if a != b {
		t.Fatalf("Collection(p) not deterministic: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("Collection key length = %d, want 16", len(a))
	}
}

func TestCollectionDistinguishesFields(t *testing.T) {
	base := CollectionParams{Query: "Backend Engineer", Source: "linkedin", Limit: 25}
	variant := base
	variant.Source = "indeed"
	if Collection(base) == Collection(variant) {
		t.Fatalf("expected different sources to hash differently")
	}
}

func TestContentNormalizesWhitespaceAndCase(t *testing.T) {
	a := Content("Backend  Engineer", "Acme", "Remote")
	b := Content("backend engineer", "acme", "remote")
	if a != b {
		t.Fatalf("Content should be case/whitespace insensitive: %q vs %q", a, b)
	}
}

func TestContentDistinguishesJobs(t *testing.T) {
	a := Content("Backend Engineer", "Acme", "Remote")
	b := Content("Frontend Engineer", "Acme", "Remote")
	if a == b {
		t.Fatalf("different titles should not collide")
	}
}

func TestIdempotencyDeterministic(t *testing.T) {
	a := Idempotency("sub-1", "contenthash123")
	b := Idempotency("sub-1", "contenthash123")
	if a != b {
		t.Fatalf("Idempotency not deterministic")
	}
	c := Idempotency("sub-2", "contenthash123")
	if a == c {
		t.Fatalf("different subscriptions should not collide")
	}
}

func TestMatchCacheKey(t *testing.T) {
	if MatchCacheKey("c1", "r1") != "c1:r1" {
		t.Fatalf("unexpected key format")
	}
}
