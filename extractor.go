package estore

// KeyExtractor derives the secondary key of a record. It must be pure and
// deterministic: the same record always yields the same key. Returning false
// means the record has no entry in the index.
type KeyExtractor[K, V, SK any] interface {
	ExtractSecondaryKey(key K, value V) (SK, bool)
}

// KeyClearer removes the secondary key from a record. Foreign key indices
// with the Nullify action require their extractor to implement it; after
// clearing, ExtractSecondaryKey must report no key.
type KeyClearer[V any] interface {
	ClearSecondaryKey(value V) V
}

// ExtractorFuncs adapts plain functions to KeyExtractor and KeyClearer.
// Clear may be nil when the index does not nullify.
type ExtractorFuncs[K, V, SK any] struct {
	Extract func(key K, value V) (SK, bool)
	Clear   func(value V) V
}

func (f ExtractorFuncs[K, V, SK]) ExtractSecondaryKey(key K, value V) (SK, bool) {
	return f.Extract(key, value)
}

func (f ExtractorFuncs[K, V, SK]) ClearSecondaryKey(value V) V {
	return f.Clear(value)
}

func (f ExtractorFuncs[K, V, SK]) canClear() bool {
	return f.Clear != nil
}

func clearerOf[K, V, SK any](ext KeyExtractor[K, V, SK]) (KeyClearer[V], bool) {
	c, ok := ext.(KeyClearer[V])
	if !ok {
		return nil, false
	}
	if cc, ok := ext.(interface{ canClear() bool }); ok && !cc.canClear() {
		return nil, false
	}
	return c, true
}
