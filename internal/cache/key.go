package cache

import "fmt"

// KeySpace declares the bounds that make the composite key value injective.
type KeySpace struct {
	NumTimepoints int
	NumSetups     int
	MaxLevels     int
}

// Key addresses one cell: (timepoint, setup, level, index). Keys are
// immutable values minted by a KeySpace; two keys from the same KeySpace are
// == iff all four coordinates are equal.
type Key struct {
	timepoint int
	setup     int
	level     int
	index     int

	value uint64
}

// Key builds the cache key for the given coordinates.
func (ks KeySpace) Key(timepoint, setup, level, index int) Key {
	v := ((uint64(index)*uint64(ks.MaxLevels)+uint64(level))*uint64(ks.NumSetups)+uint64(setup))*uint64(ks.NumTimepoints) + uint64(timepoint)
	return Key{
		timepoint: timepoint,
		setup:     setup,
		level:     level,
		index:     index,
		value:     v,
	}
}

// Contains reports whether k lies within the declared bounds.
func (ks KeySpace) Contains(k Key) bool {
	return k.timepoint >= 0 && k.timepoint < ks.NumTimepoints &&
		k.setup >= 0 && k.setup < ks.NumSetups &&
		k.level >= 0 && k.level < ks.MaxLevels &&
		k.index >= 0
}

func (k Key) Timepoint() int { return k.timepoint }
func (k Key) Setup() int     { return k.setup }
func (k Key) Level() int     { return k.level }
func (k Key) Index() int     { return k.index }

// Composite returns ((index*maxLevels + level)*numSetups + setup)*numTimepoints + timepoint.
func (k Key) Composite() uint64 {
	return k.value
}

// Hash folds the composite value to 32 bits.
func (k Key) Hash() uint32 {
	return uint32(k.value ^ (k.value >> 32))
}

func (k Key) String() string {
	return fmt.Sprintf("t%d/s%d/l%d/i%d", k.timepoint, k.setup, k.level, k.index)
}
