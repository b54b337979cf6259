package estore

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Report describes the containers of a database file without knowing its
// schema. Values cannot be decoded without bindings, so only structure and
// sizes are reported.
type Report struct {
	Path     string          `json:"path" yaml:"path"`
	Size     int64           `json:"size" yaml:"size"`
	Stores   []StoreReport   `json:"stores" yaml:"stores"`
	Catalogs []CatalogReport `json:"catalogs,omitempty" yaml:"catalogs,omitempty"`
}

type StoreReport struct {
	Name      string        `json:"name" yaml:"name"`
	Rows      int           `json:"rows" yaml:"rows"`
	DataAlloc int64         `json:"data_alloc" yaml:"data_alloc"`
	Indices   []IndexReport `json:"indices,omitempty" yaml:"indices,omitempty"`
}

type IndexReport struct {
	Name    string `json:"name" yaml:"name"`
	Ordinal uint64 `json:"ordinal" yaml:"ordinal"`
	Unique  bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
	Entries int    `json:"entries" yaml:"entries"`
	Alloc   int64  `json:"alloc" yaml:"alloc"`
}

type CatalogReport struct {
	Name  string            `json:"name" yaml:"name"`
	Types []*TypeDescriptor `json:"types" yaml:"types"`
	IDs   []uint64          `json:"ids" yaml:"ids"`
}

// Inspect opens the bolt file at path read-only and describes its stores,
// indices and class catalogs.
func Inspect(ctx context.Context, path string) (*Report, error) {
	st, err := openBoltStorage(path, Options{ReadOnly: true, NoCreate: true})
	if err != nil {
		return nil, err
	}
	defer st.Close()

	stx, err := st.BeginTx(ctx, false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()

	rep := &Report{Path: path, Size: stx.Size()}
	for _, name := range stx.BucketNames("") {
		root := stx.Bucket(name, "")
		switch {
		case root.Get([]byte(catalogMarkerKey)) != nil:
			cr, err := inspectCatalog(root, name)
			if err != nil {
				return nil, err
			}
			rep.Catalogs = append(rep.Catalogs, cr)
		case root.Get(storeStateKey) != nil:
			sr, err := inspectStore(stx, root, name)
			if err != nil {
				return nil, err
			}
			rep.Stores = append(rep.Stores, sr)
		}
	}
	return rep, nil
}

func inspectStore(stx storageTx, root storageBucket, name string) (StoreReport, error) {
	sr := StoreReport{Name: name}
	ss := new(storeState)
	if err := msgpackUnmarshal(root.Get(storeStateKey), ss); err != nil {
		return sr, fmt.Errorf("store %s: failed to decode store state: %w", name, err)
	}
	data := stx.Bucket(name, dataBucketName)
	if data == nil {
		return sr, fmt.Errorf("store %s: data container is missing", name)
	}
	sr.Rows = data.KeyCount()
	sr.DataAlloc = data.Stats().TotalAlloc()

	for _, sub := range stx.BucketNames(name) {
		idxName, ok := strings.CutPrefix(sub, indexBucketPrefix)
		if !ok {
			continue
		}
		b := stx.Bucket(name, sub)
		ir := IndexReport{Name: idxName, Entries: b.KeyCount(), Alloc: b.Stats().TotalAlloc()}
		if is := ss.Indices[idxName]; is != nil {
			ir.Ordinal, ir.Unique = is.IndexOrdinal, is.Unique
		}
		sr.Indices = append(sr.Indices, ir)
	}
	return sr, nil
}

func inspectCatalog(root storageBucket, name string) (CatalogReport, error) {
	cr := CatalogReport{Name: name}
	descs, err := readCatalogBucket(root)
	if err != nil {
		return cr, fmt.Errorf("class catalog %s: %w", name, err)
	}
	for id := range descs {
		cr.IDs = append(cr.IDs, id)
	}
	slices.Sort(cr.IDs)
	for _, id := range cr.IDs {
		cr.Types = append(cr.Types, descs[id])
	}
	return cr, nil
}
