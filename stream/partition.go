package stream

// PartitionFor maps a message key to a partition index in [0, partitions).
// The hash folds each key byte into a 32-bit signed accumulator, so the
// result is stable across calls and across processes: all records sharing a
// key land in the same partition, which is what gives per-key ordering.
// An empty key is valid input and always maps to partition 0.
func PartitionFor(key string, partitions int) int {
	if partitions <= 0 {
		return 0
	}

	var h int32
	for i := 0; i < len(key); i++ {
		h = (h << 5) - h + int32(key[i]) // h*31 + b with int32 wraparound
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v % int64(partitions))
}
