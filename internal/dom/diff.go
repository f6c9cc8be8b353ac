package dom

// ViewDiff describes how the current selector view differs from the one
// before it, in signature terms.
type ViewDiff struct {
	// NewIndices are element indices in the current view whose signature
	// did not appear in the previous view.
	NewIndices []int
	// GoneSignatures appeared in the previous view and are absent now, in
	// their previous document order.
	GoneSignatures []string
}

// Changed reports whether anything appeared or vanished.
func (d ViewDiff) Changed() bool {
	return len(d.NewIndices) > 0 || len(d.GoneSignatures) > 0
}

// DiffViews compares two signature sequences as multisets. Repeated
// signatures are matched one-for-one, so a third copy of a twice-seen
// control still registers as new.
func DiffViews(prev, cur []string) ViewDiff {
	var d ViewDiff

	prevCount := make(map[string]int, len(prev))
	for _, sig := range prev {
		prevCount[sig]++
	}
	for i, sig := range cur {
		if prevCount[sig] > 0 {
			prevCount[sig]--
			continue
		}
		d.NewIndices = append(d.NewIndices, i)
	}

	curCount := make(map[string]int, len(cur))
	for _, sig := range cur {
		curCount[sig]++
	}
	for _, sig := range prev {
		if curCount[sig] > 0 {
			curCount[sig]--
			continue
		}
		d.GoneSignatures = append(d.GoneSignatures, sig)
	}
	return d
}

// Ledger tracks the signature view across perception cycles of one episode.
type Ledger struct {
	prev   []string
	seeded bool
}

// Observe ingests the selector view of the latest cycle and returns its
// diff against the previous one. The first observation reports every
// element as new.
func (l *Ledger) Observe(m *SelectorMap) ViewDiff {
	cur := m.Signatures()
	var d ViewDiff
	if l.seeded {
		d = DiffViews(l.prev, cur)
	} else {
		d.NewIndices = make([]int, len(cur))
		for i := range cur {
			d.NewIndices[i] = i
		}
	}
	l.prev = cur
	l.seeded = true
	return d
}

// Reset clears the ledger for a fresh episode.
func (l *Ledger) Reset() {
	l.prev = nil
	l.seeded = false
}
