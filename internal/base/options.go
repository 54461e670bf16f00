package base

const (
	// NumLevels is the number of levels in a table's file catalog.
	NumLevels = 7

	// L0CompactionTrigger is the number of level 0 files at which level 0
	// scores 1.0 for size compaction.
	L0CompactionTrigger = 4

	// MemTableSizeThreshold is the approximate memtable size at which it is
	// rotated and flushed.
	MemTableSizeThreshold = 4 << 20

	// MaxFileSize is the target size of a compaction output file, and the
	// upper bound on the input bytes picked from a level in one compaction.
	MaxFileSize = 6 << 20

	// BlockCapacity is the target size of an SSTable data block.
	BlockCapacity = 4096

	// BaseLevelBytes is the byte budget of level 1. Each following level gets
	// ten times the budget of its parent.
	BaseLevelBytes = 10 << 20

	// SeekBudgetBytes is the number of file bytes that buy one allowed seek.
	SeekBudgetBytes = 16 << 10

	// MinAllowedSeeks is the minimum seek budget of any file.
	MinAllowedSeeks = 100
)

// MaxBytesForLevel returns the size budget of a level. Level 0 is governed by
// file count instead and reports the level 1 budget.
func MaxBytesForLevel(level int) float64 {
	result := float64(BaseLevelBytes)
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// AllowedSeeks returns the seek budget for a file of the given size.
func AllowedSeeks(fileSize uint64) int64 {
	seeks := int64(fileSize / SeekBudgetBytes)
	if seeks < MinAllowedSeeks {
		seeks = MinAllowedSeeks
	}
	return seeks
}
