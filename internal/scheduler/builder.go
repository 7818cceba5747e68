package scheduler

import (
	"math/rand"

	"kairos/internal/messages"
)

// decisionSource owns the per-run pseudo-random stream behind decision
// payloads. The generator is seeded from the run number alone, so the
// sequence of (link count, link sample, window widths) replays exactly for a
// given run number, link set, and bounds.
type decisionSource struct {
	rng  *rand.Rand
	cfg  Config
	pool []messages.GeoID
}

func newDecisionSource(run messages.RunNumber, cfg Config) *decisionSource {
	return &decisionSource{
		rng:  rand.New(rand.NewSource(int64(run))),
		cfg:  cfg,
		pool: append([]messages.GeoID(nil), cfg.Links...),
	}
}

// build assembles the decision for one grid point. The trigger number is
// filled in by the caller per emitted copy.
//
// Sampling without replacement is a full Fisher-Yates shuffle (rng.Shuffle)
// of a copy of the link set with the run-seeded generator, keeping the first
// n entries.
func (ds *decisionSource) build(t messages.Timestamp, run messages.RunNumber) messages.TriggerDecision {
	maxLinks := ds.cfg.MaxLinks
	if maxLinks > len(ds.pool) {
		maxLinks = len(ds.pool)
	}
	n := ds.cfg.MinLinks
	if span := maxLinks - ds.cfg.MinLinks; span > 0 {
		n += ds.rng.Intn(span + 1)
	}

	sample := append([]messages.GeoID(nil), ds.pool...)
	ds.rng.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
	sample = sample[:n]

	begin := t - messages.Timestamp(ds.cfg.WindowOffset)
	components := make([]messages.ComponentRequest, 0, n)
	for _, link := range sample {
		width := ds.cfg.MinWindowTicks
		if span := ds.cfg.MaxWindowTicks - ds.cfg.MinWindowTicks; span > 0 {
			width += uint64(ds.rng.Int63n(int64(span) + 1))
		}
		components = append(components, messages.ComponentRequest{
			Component:   link,
			WindowBegin: begin,
			WindowEnd:   begin + messages.Timestamp(width),
		})
	}

	return messages.TriggerDecision{
		RunNumber:  run,
		Timestamp:  t,
		Type:       ds.cfg.TriggerType,
		Components: components,
	}
}
