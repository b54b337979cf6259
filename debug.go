package estore

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every store for debugging and tests.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, s := range tx.db.schema.stores {
		tx.dumpStore(&buf, f, s)
	}
	return buf.String()
}

func (tx *Tx) dumpStore(w *strings.Builder, f DumpFlags, s *storeCore) {
	prefix := s.name
	st := tx.storeStats(s)

	if f.Contains(DumpStoreHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, st.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, st.IndexRows, st.DataSize, st.DataAlloc, st.IndexSize, st.IndexAlloc, st.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		c := s.dataBucket(tx).Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			tx.dumpRow(w, prefix, s, rowPos, k, v)
		}
		c.Close()
	}

	if f.Contains(DumpIndices) {
		for i, idx := range s.indices {
			tx.dumpIndex(w, prefix, f, idx, st.Indices[i])
		}
	}
}

func (tx *Tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, idx *indexCore, is IndexStats) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.name
	var attrs string
	if idx.unique {
		attrs += " unique"
	}
	if idx.fk != nil {
		attrs += fmt.Sprintf(" -> %s %v", idx.fk.target.name, idx.fk.action)
	}
	fmt.Fprintf(w, "%s (0x%x)%s\n", prefix, is.Ordinal, attrs)

	if f.Contains(DumpIndexRows) {
		c := idx.bucket(tx).Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			tx.dumpIndexRow(w, prefix, idx, rowPos, k, v)
		}
		c.Close()
	}
}

func (tx *Tx) dumpRow(w *strings.Builder, prefix string, s *storeCore, rowPos int, k, v []byte) {
	key, value, err := s.codec.decodeEntry(tx, k, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	if s.suppressContent {
		fmt.Fprintf(w, "%s.%d: %v = <suppressed>\n", prefix, rowPos, key)
		return
	}
	fmt.Fprintf(w, "%s.%d: %v = %+v\n", prefix, rowPos, key, value)
}

func (tx *Tx) dumpIndexRow(w *strings.Builder, prefix string, idx *indexCore, rowPos int, k, v []byte) {
	skRaw, pkRaw, err := idx.split(k, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, rowPos, idx.formatSK(tx, skRaw), idx.store.codec.formatKey(tx, pkRaw))
}
