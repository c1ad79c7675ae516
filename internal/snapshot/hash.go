package snapshot

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"rotabot/internal/rota"
)

// Hash returns a stable hex digest of an assignment. encoding/json sorts
// map keys, so identical content hashes identically regardless of the
// order keys were inserted.
func Hash(a rota.Assignment) string {
	if a == nil {
		a = rota.Assignment{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		// map[string]int64 cannot fail to marshal; keep the fallback cheap.
		b = []byte(fmt.Sprint(a))
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Change records one role whose holder differs between two assignments.
// A zero user id on either side means the role was absent or unfilled.
type Change struct {
	Role    rota.Role
	OldUser int64
	NewUser int64
}

// Diff compares two assignments over the union of their role keys and
// returns the changed roles in role order. Equal assignments yield an
// empty diff.
func Diff(prev, cur rota.Assignment) []Change {
	union := make(rota.Assignment, len(prev)+len(cur))
	for r := range prev {
		union[r] = 0
	}
	for r := range cur {
		union[r] = 0
	}

	var out []Change
	for _, r := range union.Roles() {
		oldU, newU := prev[r], cur[r]
		if oldU != newU {
			out = append(out, Change{Role: r, OldUser: oldU, NewUser: newU})
		}
	}
	return out
}
