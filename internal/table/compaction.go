package table

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"strata/internal/base"
	"strata/internal/iterator"
	"strata/internal/manifest"
	"strata/internal/memtable"
	"strata/internal/sstable"
)

func (t *Table) writerOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockCapacity: base.BlockCapacity,
		Compression:   t.opts.Compression,
		BlockCache:    t.blockCache,
	}
}

// flush writes mem to a level 0 file and installs it. Flushes of different
// memtables run concurrently, but each one installs its file only once every
// older memtable has been installed, so level 0 stays in rotation order.
func (t *Table) flush(mem *memtable.MemTable) {
	start := time.Now()
	meta, err := t.writeLevel0Table(mem)

	t.mu.Lock()
	for err == nil {
		oldest := t.imms[len(t.imms)-1]
		if oldest == mem {
			break
		}
		if _, ok := t.failed[oldest]; ok {
			err = errors.Newf("older memtable was not flushed")
			break
		}
		t.cond.Wait()
	}
	if err != nil {
		t.failed[mem] = errors.Mark(errors.Wrapf(err, "table %s", t.name), ErrFlushFailed)
		unflushed := len(t.failed)
		t.pendingMinor--
		t.cond.Broadcast()
		t.mu.Unlock()

		if meta != nil {
			_ = t.dm.Remove(meta.FileNum.String())
		}
		t.logger.Error("flushing memtable",
			zap.Int("unflushed", unflushed),
			zap.Error(err))
		return
	}

	// Readers switch from the memtable to the file atomically.
	t.files.AddFile(0, meta)
	t.imms = t.imms[:len(t.imms)-1]
	t.mu.Unlock()

	_ = t.saveManifest()
	t.logger.Info("flushed memtable",
		zap.Stringer("file", meta.FileNum),
		zap.Int("entries", mem.Len()),
		zap.String("size", humanize.IBytes(meta.Size)),
		zap.Duration("took", time.Since(start)))

	t.mu.Lock()
	t.maybeScheduleCompactionLocked()
	t.pendingMinor--
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Table) writeLevel0Table(mem *memtable.MemTable) (*manifest.FileMetaData, error) {
	fn := t.files.NextFileNumber()
	b := sstable.NewBuilder(t.dm, fn, t.writerOptions())
	it := mem.NewIterator()
	defer it.Close()

	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := b.Add(it.Key(), it.Value()); err != nil {
			_ = b.Abandon()
			return nil, err
		}
	}
	props, err := b.Finish()
	if err != nil {
		_ = b.Abandon()
		return nil, err
	}
	return manifest.NewFileMetaData(fn, props.Size, props.Smallest, props.Largest, props.MaxTimestamp), nil
}

func (t *Table) maybeScheduleCompaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeScheduleCompactionLocked()
}

// maybeScheduleCompactionLocked queues a compaction if one is due and none is
// queued or running. t.mu must be held.
func (t *Table) maybeScheduleCompactionLocked() {
	if t.compactionScheduled || t.closing {
		return
	}
	t.files.Finalize()
	if !t.files.NeedsCompaction() {
		return
	}
	if err := t.bg.Schedule(t.backgroundCompaction); err != nil {
		t.logger.Warn("scheduling compaction", zap.Error(err))
		return
	}
	t.compactionScheduled = true
}

func (t *Table) backgroundCompaction() {
	t.files.Finalize()
	task := t.files.GenerateCompactionTask()

	var err error
	if task != nil {
		err = t.runCompaction(task)
		if err != nil {
			t.logger.Error("compaction failed", zap.Stringer("task", task), zap.Error(err))
		}
	}
	t.deleteObsoleteFiles()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.compactionScheduled = false
	// A failed compaction would be picked again at once; wait for the next
	// flush instead.
	if err == nil {
		t.maybeScheduleCompactionLocked()
	}
	t.cond.Broadcast()
}

func (t *Table) runCompaction(task *manifest.CompactionTask) error {
	start := time.Now()
	var outputs []*manifest.FileMetaData
	if !task.Trivial {
		var err error
		if outputs, err = t.doCompaction(task); err != nil {
			return err
		}
	}

	t.manifestMu.Lock()
	t.files.Apply(task.Edit(outputs))
	if task.Type == manifest.SeekCompaction {
		t.files.ClearSeekCompaction()
	}
	err := t.saveManifestLocked()
	t.manifestMu.Unlock()

	var written uint64
	for _, f := range outputs {
		written += f.Size
	}
	t.logger.Info("compacted",
		zap.Stringer("task", task),
		zap.String("read", humanize.IBytes(task.InputBytes())),
		zap.String("written", humanize.IBytes(written)),
		zap.Int("outputs", len(outputs)),
		zap.Duration("took", time.Since(start)))
	return err
}

// doCompaction merges the inputs of task into new files for level+1. When
// several inputs hold the same key, the newest one is kept.
func (t *Table) doCompaction(task *manifest.CompactionTask) (_ []*manifest.FileMetaData, err error) {
	var children []iterator.Iterator
	if task.Level == 0 {
		for i := len(task.Inputs[0]) - 1; i >= 0; i-- {
			f := task.Inputs[0][i]
			children = append(children, t.tableCache.NewIterator(f.FileNum, f.Size))
		}
	} else {
		children = append(children, t.newLevelIterator(task.Inputs[0]))
	}
	if len(task.Inputs[1]) > 0 {
		children = append(children, t.newLevelIterator(task.Inputs[1]))
	}
	it := iterator.NewMergingIterator(children...)

	var (
		b       *sstable.Builder
		outputs []*manifest.FileMetaData
	)
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			return
		}
		if b != nil {
			_ = b.Abandon()
		}
		for _, f := range outputs {
			_ = t.dm.Remove(f.FileNum.String())
		}
	}()

	finish := func() error {
		props, err := b.Finish()
		if err != nil {
			return err
		}
		b = nil
		outputs = append(outputs, manifest.NewFileMetaData(
			props.FileNum, props.Size, props.Smallest, props.Largest, props.MaxTimestamp))
		return nil
	}

	var last base.InternalKey
	first := true
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		if !first && key == last {
			continue
		}
		first, last = false, key

		if b == nil {
			b = sstable.NewBuilder(t.dm, t.files.NextFileNumber(), t.writerOptions())
		}
		if err := b.Add(key, it.Value()); err != nil {
			return nil, err
		}
		if b.EstimatedSize() >= t.opts.MaxFileSize {
			if err := finish(); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if b != nil {
		if err := finish(); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// deleteObsoleteFiles removes the files that left the catalog once no reader
// holds them. Nothing is removed while the manifest on disk may still refer
// to them.
func (t *Table) deleteObsoleteFiles() {
	t.manifestMu.Lock()
	defer t.manifestMu.Unlock()
	if !t.manifestSynced {
		return
	}

	var result *multierror.Error
	files := t.files.DrainObsolete()
	for _, f := range files {
		t.tableCache.Evict(f.FileNum)
		if err := t.dm.Remove(f.FileNum.String()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		t.logger.Error("removing obsolete files", zap.Error(err))
	}
	if len(files) > 0 {
		t.logger.Debug("removed obsolete files", zap.Int("files", len(files)))
	}
}

// scheduleErase runs an erase pass in the background after a reader dropped
// the last reference to an obsolete file.
func (t *Table) scheduleErase() {
	if err := t.bg.Schedule(t.deleteObsoleteFiles); err != nil {
		t.deleteObsoleteFiles()
	}
}
