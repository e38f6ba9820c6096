package bookings

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FreeSlots walks the window in steps of d and returns every slot that does
// not overlap a holder and does not start before notBefore.
func FreeSlots(window Slot, d time.Duration, holders []Booking, notBefore time.Time) []Slot {
	if d <= 0 {
		return nil
	}
	var out []Slot
	for start := window.Start; !start.Add(d).After(window.End); start = start.Add(d) {
		candidate := Slot{Start: start, End: start.Add(d)}
		if candidate.Start.Before(notBefore) || overlapsAny(candidate, holders, "") {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// Alternatives suggests up to limit slots of the requested length near the
// requested start: later slots first, then earlier ones, stepping by the
// requested duration and staying inside the window.
func Alternatives(window Slot, requested Slot, holders []Booking, notBefore time.Time, limit int, excludeID string) []Slot {
	d := requested.Duration()
	if d <= 0 || limit <= 0 {
		return nil
	}
	out := make([]Slot, 0, limit)
	for start := requested.Start.Add(d); !start.Add(d).After(window.End) && len(out) < limit; start = start.Add(d) {
		candidate := Slot{Start: start, End: start.Add(d)}
		if !overlapsAny(candidate, holders, excludeID) {
			out = append(out, candidate)
		}
	}
	for start := requested.Start.Add(-d); !start.Before(window.Start) && len(out) < limit; start = start.Add(-d) {
		candidate := Slot{Start: start, End: start.Add(d)}
		if candidate.Start.Before(notBefore) {
			break
		}
		if !overlapsAny(candidate, holders, excludeID) {
			out = append(out, candidate)
		}
	}
	return out
}

func overlapsAny(s Slot, holders []Booking, excludeID string) bool {
	for i := range holders {
		h := &holders[i]
		if h.ID == excludeID || !h.Status.HoldsSlot() {
			continue
		}
		if s.Overlaps(h.Slot()) {
			return true
		}
	}
	return false
}

// LockKey derives the advisory lock key serializing writes to one
// provider's calendar day.
func LockKey(orgID, providerID string, day Day) int64 {
	return int64(xxhash.Sum64String(orgID + "|" + providerID + "|" + day.String()))
}

// LockKeys returns the distinct keys for the given days, sorted so every
// transaction acquires them in the same order.
func LockKeys(orgID, providerID string, days ...Day) []int64 {
	seen := make(map[int64]struct{}, len(days))
	keys := make([]int64, 0, len(days))
	for _, d := range days {
		k := LockKey(orgID, providerID, d)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
