package collective

import "sort"

// MaterialityFloor is the group score at which a claim counts for conflict
// detection.
const MaterialityFloor = 0.30

// ConflictTable lists mutually incompatible claim types. Pairs are
// symmetric.
type ConflictTable map[string][]string

// DefaultConflicts is the built-in incompatibility table.
func DefaultConflicts() ConflictTable {
	return ConflictTable{
		"malware":      {"benign"},
		"compromised":  {"healthy"},
		"exfiltration": {"benign"},
		"intrusion":    {"benign"},
	}
}

// Incompatible reports whether a and b cannot both hold for one subject.
func (t ConflictTable) Incompatible(a, b string) bool {
	if a == b {
		return false
	}
	for _, x := range t[a] {
		if x == b {
			return true
		}
	}
	for _, x := range t[b] {
		if x == a {
			return true
		}
	}
	return false
}

// conflictsFor returns, per subject key, the sorted claim types that are
// material and incompatible with at least one other material claim.
func (t ConflictTable) conflictsFor(groups []Group, floor float64) map[string][]string {
	bySubject := map[string][]Group{}
	for _, g := range groups {
		if g.Result.AggregateScore >= floor {
			bySubject[g.Result.SubjectKey] = append(bySubject[g.Result.SubjectKey], g)
		}
	}

	out := map[string][]string{}
	for subject, gs := range bySubject {
		seen := map[string]bool{}
		for i := range gs {
			for j := i + 1; j < len(gs); j++ {
				a, b := gs[i].Result.ClaimType, gs[j].Result.ClaimType
				if t.Incompatible(a, b) {
					seen[a] = true
					seen[b] = true
				}
			}
		}
		if len(seen) == 0 {
			continue
		}
		claims := make([]string, 0, len(seen))
		for c := range seen {
			claims = append(claims, c)
		}
		sort.Strings(claims)
		out[subject] = claims
	}
	return out
}
