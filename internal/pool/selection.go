package pool

import (
	"sort"
	"time"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
)

// record is the pool's authoritative, in-memory copy of one credential plus
// its transient per-model cooldown table. invalid/banned fold into Status —
// spec.md §3 treats both as permanent, persisted deactivation, distinguished
// only for observability (the reason field below).
type record struct {
	credential.Credential
	cooldownUntil map[string]time.Time
	disabledBy    string // "", "invalid", or "banned" — observability only
}

func newRecord(c credential.Credential) *record {
	return &record{Credential: c.Clone(), cooldownUntil: make(map[string]time.Time)}
}

// eligible returns the records eligible for model m at time now, sorted by
// ID ascending — the ordering selectNext and round-robin fairness depend on.
func eligible(records map[int64]*record, model string, now time.Time) []*record {
	out := make([]*record, 0, len(records))
	for _, r := range records {
		if !r.Status {
			continue
		}
		if until, ok := r.cooldownUntil[model]; ok && until.After(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// selectNext advances the round-robin cursor over set (already sorted by ID
// ascending) to the first ID greater than lastID (lastID need not be in the
// set), wrapping around to the smallest ID when no ID is greater. Returns the
// chosen record and the new cursor value.
func selectNext(set []*record, lastID int64) (*record, int64) {
	if len(set) == 0 {
		return nil, lastID
	}
	for _, r := range set {
		if r.ID > lastID {
			return r, r.ID
		}
	}
	return set[0], set[0].ID
}
