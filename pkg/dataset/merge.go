package dataset

// Layer is a batch of observations coming from one source during a merge.
type Layer struct {
	// Source names the origin ("remote", "weather", ...) for rejection reports.
	Source       string
	Observations []Observation
}

// Rejection records an observation dropped by validation.
type Rejection struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// MergeStats summarises a merge relative to the base snapshot.
type MergeStats struct {
	Added      int         `json:"added"`
	Updated    int         `json:"updated"`
	Unchanged  int         `json:"unchanged"`
	Duplicates int         `json:"duplicates"`
	Dropped    int         `json:"dropped"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Merge builds the deduplicated union of base and layers.
//
// Layers are applied in order and a later layer replaces the record of an
// earlier one (or of base) with the same key; callers pass layers from the
// least to the most recently fetched source. An incoming record identical to
// the one already held is discarded as a duplicate. Records failing
// Observation.Validate are dropped and counted, never merged.
//
// Added and Updated are computed against base: a key absent from base is
// added, a key whose final content differs from base is updated.
func Merge(base *Snapshot, layers ...Layer) (*Snapshot, MergeStats) {
	if base == nil {
		base = EmptySnapshot()
	}

	acc := make(map[Key]Observation, base.Len())
	for _, o := range base.Observations() {
		acc[o.Key()] = o
	}

	var stats MergeStats
	for _, layer := range layers {
		for _, o := range layer.Observations {
			if err := o.Validate(); err != nil {
				stats.Dropped++
				stats.Rejections = append(stats.Rejections, Rejection{Source: layer.Source, Reason: err.Error()})
				continue
			}
			n := o.Normalize()
			key := n.Key()
			if cur, ok := acc[key]; ok && cur.Equal(n) {
				stats.Duplicates++
				continue
			}
			acc[key] = n
		}
	}

	for key, o := range acc {
		prev, ok := base.Get(key)
		switch {
		case !ok:
			stats.Added++
		case !prev.Equal(o):
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}

	return fromMap(acc, base.Version()), stats
}
