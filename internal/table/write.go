package table

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"strata/internal/base"
	"strata/internal/memtable"
	"strata/internal/row"
)

// Upsert inserts rows, replacing rows with the same vin and timestamp.
// Concurrent calls are applied in the order they arrive. Every row is
// validated against the schema before any of them is written.
func (t *Table) Upsert(ctx context.Context, rows []row.Row) error {
	keys := make([]base.InternalKey, len(rows))
	values := make([][]byte, len(rows))
	for i := range rows {
		v, err := row.Encode(t.schema, &rows[i])
		if err != nil {
			return errors.Wrapf(err, "table %s: row %d", t.name, i)
		}
		keys[i], values[i] = rows[i].Key(), v
	}

	w, err := t.enqueue()
	if err != nil {
		return err
	}
	defer t.dequeue(w)
	return t.apply(ctx, keys, values)
}

// enqueue waits until the caller is at the head of the writer queue.
func (t *Table) enqueue() (*writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return nil, ErrShuttingDown
	}
	w := &writer{}
	t.writers = append(t.writers, w)
	for t.writers[0] != w {
		t.cond.Wait()
	}
	return w, nil
}

func (t *Table) dequeue(w *writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writers) == 0 || t.writers[0] != w {
		panic(errors.AssertionFailedf("table %s: writer is not at the head of the queue", t.name))
	}
	t.writers[0] = nil
	t.writers = t.writers[1:]
	t.cond.Broadcast()
}

func (t *Table) apply(ctx context.Context, keys []base.InternalKey, values [][]byte) error {
	for i := 0; i < len(keys); {
		if err := ctx.Err(); err != nil {
			return err
		}
		mem, err := t.makeRoomForWrite()
		if err != nil {
			return err
		}
		mem.Lock()
		for ; i < len(keys) && mem.ApproximateSize() < t.opts.MemTableSize; i++ {
			if err := mem.Insert(keys[i], values[i]); err != nil {
				mem.Unlock()
				return err
			}
		}
		mem.Unlock()
	}
	return nil
}

// makeRoomForWrite returns the active memtable, rotating it first if it is
// full. Once a flush has failed every later flush fails too, so a full
// memtable is not rotated and the write is refused instead.
func (t *Table) makeRoomForWrite() (*memtable.MemTable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem.ApproximateSize() >= t.opts.MemTableSize {
		if err := t.stalledLocked(); err != nil {
			return nil, err
		}
		t.rotateLocked()
	}
	return t.mem, nil
}

// stalledLocked returns ErrFlushFailed if some memtable could not be flushed.
func (t *Table) stalledLocked() error {
	if n := len(t.failed); n > 0 {
		return errors.Wrapf(ErrFlushFailed, "table %s: %d memtables were not flushed", t.name, n)
	}
	return nil
}

// rotateLocked moves the active memtable to the immutable list and starts its
// flush. t.mu must be held and no writer may be inserting.
func (t *Table) rotateLocked() *memtable.MemTable {
	mem := t.mem
	mem.MarkReadOnly()
	t.imms = append([]*memtable.MemTable{mem}, t.imms...)
	t.mem = memtable.New()
	t.pendingMinor++
	t.logger.Debug("rotated memtable",
		zap.Int("entries", mem.Len()),
		zap.String("size", humanize.IBytes(uint64(mem.ApproximateSize()))),
		zap.Int("immutable", len(t.imms)))
	go t.flush(mem)
	return mem
}

// FlushMemTable rotates the active memtable and waits until its contents are
// in a level 0 file. It is a no-op if the memtable is empty.
func (t *Table) FlushMemTable() error {
	w, err := t.enqueue()
	if err != nil {
		return err
	}

	t.mu.Lock()
	var mem *memtable.MemTable
	if !t.mem.Empty() {
		if err := t.stalledLocked(); err != nil {
			t.mu.Unlock()
			t.dequeue(w)
			return err
		}
		mem = t.rotateLocked()
	}
	t.mu.Unlock()
	t.dequeue(w)
	if mem == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if err, ok := t.failed[mem]; ok {
			return err
		}
		if !t.isImmutableLocked(mem) {
			return nil
		}
		t.cond.Wait()
	}
}

func (t *Table) isImmutableLocked(mem *memtable.MemTable) bool {
	for _, m := range t.imms {
		if m == mem {
			return true
		}
	}
	return false
}
