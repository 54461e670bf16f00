package manifest

import (
	"fmt"

	"strata/internal/base"
)

// CompactionType says why a compaction was picked.
type CompactionType int

const (
	SizeCompaction CompactionType = iota
	SeekCompaction
)

func (t CompactionType) String() string {
	switch t {
	case SizeCompaction:
		return "size"
	case SeekCompaction:
		return "seek"
	}
	return fmt.Sprintf("CompactionType(%d)", int(t))
}

// CompactionTask merges Inputs[0] from Level with the overlapping
// Inputs[1] from Level+1 into new files at Level+1.
type CompactionTask struct {
	Level  int
	Type   CompactionType
	Inputs [2][]*FileMetaData

	// Trivial is set when the inputs can move to Level+1 without rewriting.
	Trivial bool
}

// Smallest returns the smallest key over all inputs.
func (c *CompactionTask) Smallest() base.InternalKey {
	smallest, _ := keyRange(c.Inputs[0], c.Inputs[1])
	return smallest
}

// Largest returns the largest key over all inputs.
func (c *CompactionTask) Largest() base.InternalKey {
	_, largest := keyRange(c.Inputs[0], c.Inputs[1])
	return largest
}

// InputBytes returns the total size of all inputs.
func (c *CompactionTask) InputBytes() uint64 {
	return totalSize(c.Inputs[0]) + totalSize(c.Inputs[1])
}

// NumInputs returns the number of input files.
func (c *CompactionTask) NumInputs() int {
	return len(c.Inputs[0]) + len(c.Inputs[1])
}

// Edit returns the catalog change that installs outputs in place of the
// inputs. A trivial task moves Inputs[0] instead.
func (c *CompactionTask) Edit(outputs []*FileMetaData) *Edit {
	e := &Edit{PointerLevel: c.Level}
	_, e.Pointer = keyRange(c.Inputs[0])
	for which, files := range c.Inputs {
		for _, f := range files {
			e.Deleted = append(e.Deleted, LevelFile{Level: c.Level + which, File: f})
		}
	}
	if c.Trivial {
		outputs = c.Inputs[0]
	}
	for _, f := range outputs {
		e.Added = append(e.Added, LevelFile{Level: c.Level + 1, File: f})
	}
	return e
}

func (c *CompactionTask) String() string {
	return fmt.Sprintf("%s compaction L%d (%d files) + L%d (%d files) trivial=%t",
		c.Type, c.Level, len(c.Inputs[0]), c.Level+1, len(c.Inputs[1]), c.Trivial)
}

func keyRange(sets ...[]*FileMetaData) (smallest, largest base.InternalKey) {
	first := true
	for _, files := range sets {
		for _, f := range files {
			if first || f.Smallest.Less(smallest) {
				smallest = f.Smallest
			}
			if first || largest.Less(f.Largest) {
				largest = f.Largest
			}
			first = false
		}
	}
	return smallest, largest
}

// disjoint reports whether no two files have overlapping key ranges.
func disjoint(files []*FileMetaData) bool {
	for i := range files {
		for j := i + 1; j < len(files); j++ {
			if files[i].Overlaps(files[j].Smallest, files[j].Largest) {
				return false
			}
		}
	}
	return true
}

// Finalize recomputes the size score of every level that can be compacted
// and remembers the level with the highest one. Level 0 is scored by file
// count since each of its files must be consulted on every lookup.
func (t *TableMetaData) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()

	bestLevel, bestScore := -1, -1.0
	for level := 0; level < base.NumLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(t.files[0])) / float64(base.L0CompactionTrigger)
		} else {
			score = float64(totalSize(t.files[level])) / base.MaxBytesForLevel(level)
		}
		if score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	t.sizeLevel, t.sizeScore = bestLevel, bestScore
}

// SizeCompactionScore returns the result of the last Finalize.
func (t *TableMetaData) SizeCompactionScore() (level int, score float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sizeLevel, t.sizeScore
}

// RecordSeek charges f, read at level, for one wasted seek. It returns true
// if f became the seek compaction nominee.
func (t *TableMetaData) RecordSeek(level int, f *FileMetaData) bool {
	if !f.chargeSeek() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seekFile != nil || level >= base.NumLevels-1 || f.Obsolete() {
		return false
	}
	t.seekLevel, t.seekFile = level, f
	return true
}

// SeekCompactionFile returns the current seek nominee, if any.
func (t *TableMetaData) SeekCompactionFile() (level int, f *FileMetaData) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seekLevel, t.seekFile
}

// ClearSeekCompaction forgets the seek nominee once its compaction has been
// applied.
func (t *TableMetaData) ClearSeekCompaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seekLevel, t.seekFile = -1, nil
}

// NeedsCompaction reports whether GenerateCompactionTask would return a task.
func (t *TableMetaData) NeedsCompaction() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seekFile != nil || t.sizeScore >= 1
}

// GenerateCompactionTask picks the next compaction, or returns nil if none is
// needed. A seek nominee takes precedence over the size score. It stays set
// until the task has been applied, so a failed compaction picks it again.
func (t *TableMetaData) GenerateCompactionTask() *CompactionTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	task := &CompactionTask{Level: -1}
	seekIdx := -1
	if t.seekFile != nil {
		seekIdx = indexOf(t.files[t.seekLevel], t.seekFile)
		if seekIdx >= 0 {
			task.Level, task.Type = t.seekLevel, SeekCompaction
		} else {
			t.seekLevel, t.seekFile = -1, nil
		}
	}
	if task.Level < 0 {
		if t.sizeScore < 1 {
			return nil
		}
		task.Level, task.Type = t.sizeLevel, SizeCompaction
	}

	files := t.files[task.Level]
	if len(files) == 0 {
		return nil
	}

	switch {
	case task.Level == 0 && task.Type == SeekCompaction:
		// Everything older than the nominee has to go too, or newer L0 data
		// would end up below older data.
		task.Inputs[0] = append(task.Inputs[0], files[:seekIdx+1]...)
	case task.Level == 0:
		task.Inputs[0] = accumulate(files, 0, t.maxFileSize)
	case task.Type == SeekCompaction:
		task.Inputs[0] = accumulate(files, seekIdx, t.maxFileSize)
	default:
		task.Inputs[0] = accumulate(files, t.pointerStart(task.Level), t.maxFileSize)
	}

	smallest, largest := keyRange(task.Inputs[0])
	task.Inputs[1] = overlapping(t.files[task.Level+1], smallest, largest)
	task.Trivial = len(task.Inputs[1]) == 0 && disjoint(task.Inputs[0])
	return task
}

// pointerStart returns the index of the first file of level past the
// compaction pointer, wrapping around to the start.
func (t *TableMetaData) pointerStart(level int) int {
	if !t.hasPointer[level] {
		return 0
	}
	for i, f := range t.files[level] {
		if t.pointers[level].Less(f.Smallest) {
			return i
		}
	}
	return 0
}

// accumulate takes files from start on until adding the next one would
// exceed limit bytes. At least one file is always taken.
func accumulate(files []*FileMetaData, start int, limit uint64) []*FileMetaData {
	out := []*FileMetaData{files[start]}
	total := files[start].Size
	for _, f := range files[start+1:] {
		if total+f.Size > limit {
			break
		}
		out = append(out, f)
		total += f.Size
	}
	return out
}

func indexOf(files []*FileMetaData, f *FileMetaData) int {
	for i := range files {
		if files[i] == f {
			return i
		}
	}
	return -1
}
