package chunk

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"halforge/internal/domain"
)

var ErrMergeConflict = errors.New("merge conflict")

// Merge concatenates chunk results in ascending sequence order. Entity name
// collisions with the same role are renamed after the chunk that introduced
// them; a collision with a different role cannot be resolved and fails the
// merge.
func Merge(taskID string, results []domain.GenerationResult) (domain.Content, []domain.Rename, error) {
	ordered := append([]domain.GenerationResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ChunkSeq < ordered[j].ChunkSeq
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].ChunkSeq == ordered[i-1].ChunkSeq {
			return domain.Content{}, nil, fmt.Errorf("%w: task %s has two results for chunk %d", ErrMergeConflict, taskID, ordered[i].ChunkSeq)
		}
	}

	var merged domain.Content
	var renames []domain.Rename
	roles := make(map[string]string)
	for _, result := range ordered {
		if result.TaskID != "" && result.TaskID != taskID {
			return domain.Content{}, nil, fmt.Errorf("%w: chunk %d belongs to task %s, not %s", ErrMergeConflict, result.ChunkSeq, result.TaskID, taskID)
		}
		for _, entity := range result.Content.Entities {
			role, taken := roles[entity.Name]
			if taken {
				if role != entity.Role {
					return domain.Content{}, nil, fmt.Errorf(
						"%w: task %s entity %q is %q in an earlier chunk and %q in chunk %d",
						ErrMergeConflict, taskID, entity.Name, role, entity.Role, result.ChunkSeq,
					)
				}
				renamed := renameFor(entity.Name, result.ChunkSeq, roles)
				renames = append(renames, domain.Rename{
					TaskID:   taskID,
					ChunkSeq: result.ChunkSeq,
					From:     entity.Name,
					To:       renamed,
				})
				entity.Name = renamed
			}
			roles[entity.Name] = entity.Role
			merged.Entities = append(merged.Entities, entity)
		}
	}
	return merged, renames, nil
}

// renameFor derives a free name keyed on the chunk sequence index:
// "a/b/Foo.aidl" in chunk 2 becomes "a/b/Foo_c2.aidl", then "a/b/Foo_c2_1.aidl".
func renameFor(name string, seq int, taken map[string]string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := fmt.Sprintf("%s_c%d%s", stem, seq, ext)
	for i := 1; ; i++ {
		if _, exists := taken[candidate]; !exists {
			return candidate
		}
		candidate = fmt.Sprintf("%s_c%d_%d%s", stem, seq, i, ext)
	}
}
