package manifest

import (
	"encoding/binary"

	"strata/internal/base"
	"strata/internal/storage"
)

const (
	// FileName is the name of the manifest inside a table directory.
	FileName = "MANIFEST"

	magic uint32 = 0x53545241
)

// Manifest is the persistent description of a table: its name, its encoded
// schema and the file catalog.
type Manifest struct {
	Name   string
	Schema []byte
	Files  *TableMetaData
}

// Encode serializes the manifest.
//
//	magic u32 | name | schema | next file number u64 |
//	7 x (count u32, count x FileMetaData)
//
// Strings are length prefixed with a u32. All integers are little endian.
func (m *Manifest) Encode() []byte {
	t := m.Files
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 4 + 4 + len(m.Name) + 4 + len(m.Schema) + 8
	for _, files := range t.files {
		n += 4 + len(files)*FileMetaDataSize
	}

	buf := make([]byte, 0, n)
	buf = binary.LittleEndian.AppendUint32(buf, magic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Name)))
	buf = append(buf, m.Name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Schema)))
	buf = append(buf, m.Schema...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.nextFileNum.Load()))
	for _, files := range t.files {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(files)))
		for _, f := range files {
			buf = f.Encode(buf)
		}
	}
	return buf
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = base.CorruptionErrorf("manifest: truncated %s", what)
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uint32(what string) uint32 {
	b := d.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64(what string) uint64 {
	b := d.take(8, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Decode parses the output of Encode.
func Decode(buf []byte) (*Manifest, error) {
	d := &decoder{buf: buf}
	if got := d.uint32("magic"); d.err == nil && got != magic {
		return nil, base.CorruptionErrorf("manifest: bad magic %#x", got)
	}
	name := string(d.take(int(d.uint32("name length")), "name"))
	schema := append([]byte(nil), d.take(int(d.uint32("schema length")), "schema")...)
	nextFileNum := base.FileNum(d.uint64("next file number"))
	if d.err != nil {
		return nil, d.err
	}

	t := NewTableMetaData()
	for level := 0; level < base.NumLevels; level++ {
		count := int(d.uint32("file count"))
		if d.err != nil {
			return nil, d.err
		}
		var prev *FileMetaData
		for i := 0; i < count; i++ {
			rec := d.take(FileMetaDataSize, "file record")
			if d.err != nil {
				return nil, d.err
			}
			f, err := DecodeFileMetaData(rec)
			if err != nil {
				return nil, err
			}
			if f.Largest.Less(f.Smallest) {
				return nil, base.CorruptionErrorf("manifest: file %s has inverted key range", f)
			}
			if level > 0 && prev != nil && !prev.Largest.Less(f.Smallest) {
				return nil, base.CorruptionErrorf("manifest: L%d files %s and %s overlap", level, prev, f)
			}
			t.addFileLocked(level, f)
			prev = f
		}
	}
	if len(d.buf) != 0 {
		return nil, base.CorruptionErrorf("manifest: %d trailing bytes", len(d.buf))
	}
	t.nextFileNum.MarkUsed(nextFileNum)
	return &Manifest{Name: name, Schema: schema, Files: t}, nil
}

// Save atomically replaces the manifest in the directory managed by dm.
func Save(dm *storage.DiskManager, m *Manifest) error {
	return dm.WriteFileAtomic(FileName, m.Encode())
}

// Load reads and decodes the manifest in the directory managed by dm.
func Load(dm *storage.DiskManager) (*Manifest, error) {
	data, err := dm.ReadFile(FileName)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
