package audit

import "sort"

// Compare orders envelopes by (timestamp, event type priority, event id,
// sequence number). Event ids are unique, so distinct envelopes never tie.
func Compare(a, b Envelope) int {
	switch {
	case a.Timestamp.Before(b.Timestamp):
		return -1
	case a.Timestamp.After(b.Timestamp):
		return 1
	}
	if pa, pb := a.EventType.Priority(), b.EventType.Priority(); pa != pb {
		if pa < pb {
			return -1
		}
		return 1
	}
	switch {
	case a.EventID < b.EventID:
		return -1
	case a.EventID > b.EventID:
		return 1
	}
	switch {
	case a.SequenceNumber < b.SequenceNumber:
		return -1
	case a.SequenceNumber > b.SequenceNumber:
		return 1
	}
	return 0
}

// Sort orders envelopes in place using Compare.
func Sort(envs []Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		return Compare(envs[i], envs[j]) < 0
	})
}

// Sorted returns a sorted copy, leaving the input untouched.
func Sorted(envs []Envelope) []Envelope {
	out := make([]Envelope, len(envs))
	copy(out, envs)
	Sort(out)
	return out
}
