package intel

// Fuse merges per-adapter record batches into one collection. Batches are
// consumed in the order given and the first record seen for a
// (source, external_id) key wins. The output keeps insertion order.
func Fuse(batches ...[]Record) []Record {
	seen := make(map[Key]struct{})
	out := make([]Record, 0)
	for _, batch := range batches {
		for _, rec := range batch {
			k := rec.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}
