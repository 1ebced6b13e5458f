package graph

// Waves partitions the graph into topological levels. Wave i holds exactly the
// tasks whose dependencies all sit in waves 0..i-1. Ids inside a wave are sorted
// for stable reporting only.
func (g *Graph) Waves() ([][]string, error) {
	placed := make(map[string]bool, len(g.order))
	remaining := len(g.order)
	var waves [][]string

	for remaining > 0 {
		var ready []string
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			depsDone := true
			for _, dep := range g.deps[id] {
				if !placed[dep] {
					depsDone = false
					break
				}
			}
			if depsDone {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Build rejects cycles, so this only trips on a corrupted graph.
			return nil, &Error{Kind: ErrCyclicDependency, Msg: "no task is ready; unreported cycle"}
		}
		for _, id := range ready {
			placed[id] = true
		}
		remaining -= len(ready)
		waves = append(waves, ready)
	}
	return waves, nil
}

// WaveIndex maps every task id to the index of its wave.
func WaveIndex(waves [][]string) map[string]int {
	index := make(map[string]int)
	for i, wave := range waves {
		for _, id := range wave {
			index[id] = i
		}
	}
	return index
}
