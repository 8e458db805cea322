package util

// PartitionBy distributes elements over n partitions using keyFn, preserving the relative
// order of elements within each partition. Elements with the same key always land in the
// same partition.
func PartitionBy[T any](elements []T, n int, keyFn func(T) uint32) [][]T {
	if n < 1 {
		n = 1
	}
	partitions := make([][]T, n)
	for _, e := range elements {
		i := keyFn(e) % uint32(n)
		partitions[i] = append(partitions[i], e)
	}
	return partitions
}
