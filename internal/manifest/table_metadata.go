package manifest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"strata/internal/base"
)

// TableMetaData is the file catalog of one table: the SSTables of every level
// plus the state of the compaction policy.
//
// Level 0 holds files in the order they were flushed, oldest first, and their
// key ranges may overlap. Every other level is sorted by smallest key and its
// files never overlap. Breaking that invariant is a programming error and
// panics.
type TableMetaData struct {
	mu    sync.RWMutex
	files [base.NumLevels][]*FileMetaData

	nextFileNum base.AtomicFileNum

	// sizeLevel and sizeScore hold the result of the last Finalize.
	sizeLevel int
	sizeScore float64

	// pointers records, per level, the largest key of the last compaction so
	// the next one continues from there.
	pointers   [base.NumLevels]base.InternalKey
	hasPointer [base.NumLevels]bool

	seekLevel int
	seekFile  *FileMetaData

	// maxFileSize bounds the bytes picked from a level for one compaction.
	maxFileSize uint64

	// obsolete files are no longer in the catalog but may still be read.
	obsolete []*FileMetaData
}

func NewTableMetaData() *TableMetaData {
	return &TableMetaData{
		sizeLevel:   -1,
		sizeScore:   -1,
		seekLevel:   -1,
		maxFileSize: base.MaxFileSize,
	}
}

// SetMaxFileSize sets the target compaction file size. It caps the input
// picked from a level the same way it caps each output file.
func (t *TableMetaData) SetMaxFileSize(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n == 0 {
		n = base.MaxFileSize
	}
	t.maxFileSize = n
}

// NextFileNumber allocates a file number for a new SSTable.
func (t *TableMetaData) NextFileNumber() base.FileNum {
	return t.nextFileNum.Next()
}

// LastFileNumber returns the most recently allocated file number.
func (t *TableMetaData) LastFileNumber() base.FileNum {
	return t.nextFileNum.Load()
}

// Files returns a copy of the files of level.
func (t *TableMetaData) Files(level int) []*FileMetaData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*FileMetaData(nil), t.files[level]...)
}

// NumFiles returns the number of files in level.
func (t *TableMetaData) NumFiles(level int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files[level])
}

// TotalFileSize returns the number of bytes in level.
func (t *TableMetaData) TotalFileSize(level int) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return totalSize(t.files[level])
}

func totalSize(files []*FileMetaData) uint64 {
	var n uint64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// AddFile adds f to level.
func (t *TableMetaData) AddFile(level int, f *FileMetaData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addFileLocked(level, f)
}

func (t *TableMetaData) addFileLocked(level int, f *FileMetaData) {
	t.nextFileNum.MarkUsed(f.FileNum)
	f.Ref()
	if level == 0 {
		t.files[0] = append(t.files[0], f)
		return
	}

	files := t.files[level]
	i := sort.Search(len(files), func(i int) bool {
		return f.Smallest.Less(files[i].Smallest)
	})
	if i > 0 && !files[i-1].Largest.Less(f.Smallest) {
		panic(errors.AssertionFailedf("level %d: file %s overlaps %s", level, f, files[i-1]))
	}
	if i < len(files) && !f.Largest.Less(files[i].Smallest) {
		panic(errors.AssertionFailedf("level %d: file %s overlaps %s", level, f, files[i]))
	}
	files = append(files, nil)
	copy(files[i+1:], files[i:])
	files[i] = f
	t.files[level] = files
}

// RemoveFile removes f from level and queues it for deletion.
func (t *TableMetaData) RemoveFile(level int, f *FileMetaData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeFileLocked(level, f, true)
}

func (t *TableMetaData) removeFileLocked(level int, f *FileMetaData, obsolete bool) {
	files := t.files[level]
	for i := range files {
		if files[i] != f {
			continue
		}
		t.files[level] = append(files[:i:i], files[i+1:]...)
		if obsolete {
			f.obsolete.Store(true)
			t.obsolete = append(t.obsolete, f)
		}
		if t.seekFile == f {
			t.seekFile, t.seekLevel = nil, -1
		}
		f.Unref()
		return
	}
	panic(errors.AssertionFailedf("level %d: file %s is not in the catalog", level, f))
}

// LevelFile names a file and the level it belongs to.
type LevelFile struct {
	Level int
	File  *FileMetaData
}

// Edit is a set of catalog changes applied atomically. A file that is both
// deleted and added is moved between levels and is not deleted from disk.
type Edit struct {
	Deleted []LevelFile
	Added   []LevelFile

	// PointerLevel, if not negative, advances the compaction pointer of that
	// level to Pointer.
	PointerLevel int
	Pointer      base.InternalKey
}

// Apply performs the edit.
func (t *TableMetaData) Apply(e *Edit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	moved := make(map[*FileMetaData]bool, len(e.Added))
	for _, a := range e.Added {
		moved[a.File] = true
	}
	for _, d := range e.Deleted {
		t.removeFileLocked(d.Level, d.File, !moved[d.File])
	}
	for _, a := range e.Added {
		t.addFileLocked(a.Level, a.File)
	}
	if e.PointerLevel >= 0 && e.PointerLevel < base.NumLevels {
		t.pointers[e.PointerLevel] = e.Pointer
		t.hasPointer[e.PointerLevel] = true
	}
}

// Snapshot is a read-only view of the catalog that holds a reference on every
// file it contains.
type Snapshot struct {
	Levels [base.NumLevels][]*FileMetaData
}

// Snapshot captures the current catalog.
func (t *TableMetaData) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &Snapshot{}
	for level := range t.files {
		s.Levels[level] = append([]*FileMetaData(nil), t.files[level]...)
		for _, f := range s.Levels[level] {
			f.Ref()
		}
	}
	return s
}

// Release drops the snapshot's references and reports whether any file can
// now be deleted.
func (s *Snapshot) Release() bool {
	deletable := false
	for level := range s.Levels {
		for _, f := range s.Levels[level] {
			if f.Unref() {
				deletable = true
			}
		}
		s.Levels[level] = nil
	}
	return deletable
}

// DrainObsolete removes and returns the obsolete files that no reader holds
// any more.
func (t *TableMetaData) DrainObsolete() []*FileMetaData {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ready []*FileMetaData
	kept := t.obsolete[:0]
	for _, f := range t.obsolete {
		if f.Refs() == 0 {
			ready = append(ready, f)
		} else {
			kept = append(kept, f)
		}
	}
	clear(t.obsolete[len(kept):])
	t.obsolete = kept
	return ready
}

// PendingObsolete returns the number of obsolete files still referenced.
func (t *TableMetaData) PendingObsolete() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.obsolete)
}

// Overlapping returns the files of level whose key ranges intersect
// [smallest, largest].
func (t *TableMetaData) Overlapping(level int, smallest, largest base.InternalKey) []*FileMetaData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return overlapping(t.files[level], smallest, largest)
}

func overlapping(files []*FileMetaData, smallest, largest base.InternalKey) []*FileMetaData {
	var out []*FileMetaData
	for _, f := range files {
		if f.Overlaps(smallest, largest) {
			out = append(out, f)
		}
	}
	return out
}

func (t *TableMetaData) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := ""
	for level, files := range t.files {
		if len(files) == 0 {
			continue
		}
		s += fmt.Sprintf("L%d:", level)
		for _, f := range files {
			s += " " + f.String()
		}
		s += "\n"
	}
	return s
}
