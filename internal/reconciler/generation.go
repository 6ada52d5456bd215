package reconciler

// generation orders fetches so a slow completion never overwrites newer data.
// Callers hold the owning reconciler's mutex.
type generation struct {
	started uint64
	applied uint64
}

// begin hands out the sequence number of a new fetch
func (g *generation) begin() uint64 {
	g.started++
	return g.started
}

// tryApply reports whether a fetch with seq may be applied and records it as the newest applied one
func (g *generation) tryApply(seq uint64) bool {
	if seq < g.applied {
		return false
	}
	g.applied = seq
	return true
}
