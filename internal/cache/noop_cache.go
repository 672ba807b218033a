package cache

// weakRetention keeps nothing alive: cells stay indexed only while some
// consumer holds them.
type weakRetention struct{}

func (weakRetention) Retain(Key, *Cell) {}
func (weakRetention) Touch(Key, *Cell)  {}
func (weakRetention) Remove(Key)        {}
func (weakRetention) Purge()            {}
func (weakRetention) Len() int          { return 0 }
func (weakRetention) Bytes() int64      { return 0 }
