package loader

import "context"

// ArrayLoader supplies raw cell payloads from secondary storage.
//
// LoadArray may be slow and may fail. EmptyArray must return a payload of the
// same length LoadArray would for dims, with placeholder contents.
type ArrayLoader interface {
	LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]byte, error)
	EmptyArray(dims []int) []byte
	BytesPerElement() int
}

// NumElements returns the product of dims.
func NumElements(dims []int) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= int64(d)
	}
	return n
}

// PayloadSize is the number of bytes a payload with the given dims occupies.
func PayloadSize(l ArrayLoader, dims []int) int64 {
	return int64(l.BytesPerElement()) * NumElements(dims)
}
