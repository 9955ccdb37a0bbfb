// Package hashkey computes the three SHA-256-derived keys spec.md names:
// the in-flight request cache key (§3 CacheEntry), the job content hash
// (§4.10 step 3), and the notification idempotency key (§4.10 step 5).
//
// The teacher hashes cache keys with github.com/mitchellh/hashstructure
// (pkg/cache/validation.go) because it only needs a stable, collision-
// resistant key over Go structs it controls end to end. Spec.md is more
// specific here — it names SHA-256 and a fixed 16-hex-char truncation as
// part of the wire contract (§8's "Round-trip hashing" testable property
// pins the exact length) — so this package uses crypto/sha256 directly
// rather than a struct-hash library; no ecosystem dependency bothers to
// offer "SHA-256, truncated to N hex chars" as its own abstraction.
package hashkey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CollectionParams is the canonical parameter set hashed into a
// RequestCache key (spec.md §3): SHA-256(JSON({query, location, isRemote,
// jobType, datePosted, source, limit}))[:16].
type CollectionParams struct {
	Query      string `json:"query"`
	Location   string `json:"location"`
	IsRemote   bool   `json:"isRemote"`
	JobType    string `json:"jobType"`
	DatePosted string `json:"datePosted"`
	Source     string `json:"source"`
	Limit      int    `json:"limit"`
}

// Collection returns the 16-hex-char cache key for p. Deterministic:
// Go's encoding/json serializes struct fields in declaration order, so
// two calls with equal p always yield the same JSON bytes and hence the
// same digest (spec.md §8, "Round-trip hashing").
func Collection(p CollectionParams) string {
	b, err := json.Marshal(p)
	if err != nil {
		// CollectionParams has no unmarshalable fields; a failure here is
		// a programmer error, not a runtime condition to recover from.
		panic(fmt.Sprintf("hashkey: marshal collection params: %v", err))
	}
	return truncate(b, 16)
}

// Content returns the SHA-256 content hash of a job posting (spec.md
// Glossary: "SHA-256 over normalized (title, company, location)"),
// used as the job-level dedup key.
func Content(title, company, location string) string {
	norm := normalize(title) + "\x1f" + normalize(company) + "\x1f" + normalize(location)
	return truncate([]byte(norm), 64)
}

// Idempotency returns the notification idempotency key (spec.md §4.3,
// §4.10 step 5): SHA-256(subId ⊕ job.contentHash).
func Idempotency(subscriptionID, contentHash string) string {
	return truncate([]byte(subscriptionID+"\x1f"+contentHash), 64)
}

// MatchCacheKey returns the persistent match-cache key (spec.md §4.7):
// (job.contentHash, resumeHash). Stored as a single compound key so the
// JobMatch table can index on it directly.
func MatchCacheKey(contentHash, resumeHash string) string {
	return contentHash + ":" + resumeHash
}

func truncate(b []byte, n int) string {
	sum := sha256.Sum256(b)
	hexStr := hex.EncodeToString(sum[:])
	if n >= len(hexStr) {
		return hexStr
	}
	return hexStr[:n]
}

// normalize lower-cases and collapses whitespace so that trivially
// different renderings of the same posting ("Backend  Engineer " vs
// "backend engineer") hash identically.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
