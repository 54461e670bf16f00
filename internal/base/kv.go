package base

// InternalKV represents a single internal key-value pair.
type InternalKV struct {
	K InternalKey
	V []byte
}

// MakeInternalKV constructs a key-value pair for the given vin and timestamp.
func MakeInternalKV(vin Vin, timestamp int64, value []byte) InternalKV {
	return InternalKV{
		K: MakeInternalKey(vin, timestamp),
		V: value,
	}
}

// Size returns the approximate number of bytes the pair occupies once
// encoded into a block.
func (kv *InternalKV) Size() int {
	return KeySize + 4 + len(kv.V)
}
