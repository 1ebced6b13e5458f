package chunk

import (
	"halforge/internal/domain"
)

const (
	DefaultSoftCeiling    = 30
	DefaultInteriorFactor = 2
	DefaultHardCeiling    = 20
)

// Policy controls how a task's units are split. A task with at most
// SoftCeiling units is generated whole.
type Policy struct {
	SoftCeiling    int
	InteriorFactor int
	HardCeiling    int
	Disabled       bool
}

func (p Policy) withDefaults() Policy {
	if p.SoftCeiling <= 0 {
		p.SoftCeiling = DefaultSoftCeiling
	}
	if p.InteriorFactor <= 0 {
		p.InteriorFactor = DefaultInteriorFactor
	}
	if p.HardCeiling <= 0 {
		p.HardCeiling = DefaultHardCeiling
	}
	return p
}

// InteriorSize is the target unit count of each chunk once a task is split.
func (p Policy) InteriorSize() int {
	p = p.withDefaults()
	size := p.SoftCeiling / p.InteriorFactor
	if size < 1 {
		size = 1
	}
	return size
}

// Count returns how many chunks a task of n units is split into.
func (p Policy) Count(n int) int {
	p = p.withDefaults()
	if p.Disabled || n <= p.SoftCeiling {
		return 1
	}
	count := ceilDiv(n, p.InteriorSize())
	if ceilDiv(n, count) > p.HardCeiling {
		count = ceilDiv(n, p.HardCeiling)
	}
	return count
}

// Plan splits units into near-equal chunks in input order. Identical input
// always yields an identical chunk sequence.
func Plan(taskID string, units []domain.Property, p Policy) []domain.Chunk {
	n := len(units)
	count := p.Count(n)
	if count <= 1 {
		return []domain.Chunk{{
			TaskID: taskID,
			Seq:    0,
			Units:  append([]domain.Property(nil), units...),
			Status: domain.ChunkStatusPending,
		}}
	}

	base := n / count
	extra := n % count
	chunks := make([]domain.Chunk, 0, count)
	offset := 0
	for seq := 0; seq < count; seq++ {
		size := base
		if seq < extra {
			size++
		}
		chunks = append(chunks, domain.Chunk{
			TaskID: taskID,
			Seq:    seq,
			Units:  append([]domain.Property(nil), units[offset:offset+size]...),
			Status: domain.ChunkStatusPending,
		})
		offset += size
	}
	return chunks
}

// Sizes reports the planned chunk sizes without materializing the chunks.
func Sizes(n int, p Policy) []int {
	count := p.Count(n)
	if count <= 1 {
		return []int{n}
	}
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = n / count
		if i < n%count {
			sizes[i]++
		}
	}
	return sizes
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
