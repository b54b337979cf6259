package estore

// StoreStats describes the size of a store and its indices.
type StoreStats struct {
	Rows      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64

	Indices []IndexStats
}

type IndexStats struct {
	Name    string
	Ordinal uint64
	Unique  bool
	Target  string `json:",omitempty" yaml:",omitempty"`
	Rows    int
	Alloc   int64
}

func (ss *StoreStats) TotalSize() int64 {
	return ss.DataSize + ss.IndexSize
}

func (ss *StoreStats) TotalAlloc() int64 {
	return ss.DataAlloc + ss.IndexAlloc
}

// StoreStats returns the size of the named store. Allocation figures are
// zero for the in-memory engine.
func (tx *Tx) StoreStats(name string) (StoreStats, bool) {
	s := tx.db.schema.storesByName[name]
	if s == nil {
		return StoreStats{}, false
	}
	return tx.storeStats(s), true
}

func (tx *Tx) storeStats(s *storeCore) StoreStats {
	bs := s.dataBucket(tx).Stats()
	result := StoreStats{
		Rows:      s.dataBucket(tx).KeyCount(),
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}

	ss := tx.db.storeState(s)
	for _, idx := range s.indices {
		b := idx.bucket(tx)
		bs = b.Stats()
		is := IndexStats{
			Name:    idx.name,
			Ordinal: ss.indexOrdinal(idx),
			Unique:  idx.unique,
			Rows:    b.KeyCount(),
			Alloc:   bs.TotalAlloc(),
		}
		if idx.fk != nil {
			is.Target = idx.fk.target.name
		}
		result.IndexRows += is.Rows
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += is.Alloc
		result.Indices = append(result.Indices, is)
	}
	return result
}
