package estore

import (
	"fmt"
	"slices"
	"strings"
)

const (
	dataBucketName    = "data"
	indexBucketPrefix = "i_"
)

// Schema is the set of stores, indices and class catalogs of a database.
// It is built once at startup and then passed to Open.
type Schema struct {
	stores       []*storeCore
	storesByName map[string]*storeCore
	catalogs     []*ClassCatalog
	sealed       bool
}

func NewSchema() *Schema {
	return &Schema{
		storesByName: make(map[string]*storeCore),
	}
}

func (scm *Schema) StoreNames() []string {
	names := make([]string, len(scm.stores))
	for i, s := range scm.stores {
		names[i] = s.name
	}
	return names
}

func (scm *Schema) requireUnsealed(what string) {
	if scm.sealed {
		panic(fmt.Errorf("cannot add %s: schema is already in use by an open database", what))
	}
}

func (scm *Schema) addStore(s *storeCore) {
	scm.requireUnsealed("store " + s.name)
	if s.name == "" || strings.ContainsRune(s.name, 0) {
		panic(fmt.Errorf("invalid store name %q", s.name))
	}
	if scm.storesByName[s.name] != nil || scm.catalogNamed(s.name) != nil {
		panic(fmt.Errorf("duplicate store name %q", s.name))
	}
	s.schema = scm
	s.pos = len(scm.stores)
	scm.stores = append(scm.stores, s)
	scm.storesByName[s.name] = s
}

func (scm *Schema) addCatalog(cat *ClassCatalog) {
	scm.requireUnsealed("class catalog " + cat.name)
	if scm.storesByName[cat.name] != nil || scm.catalogNamed(cat.name) != nil {
		panic(fmt.Errorf("duplicate name %q for class catalog", cat.name))
	}
	scm.catalogs = append(scm.catalogs, cat)
}

func (scm *Schema) catalogNamed(name string) *ClassCatalog {
	for _, cat := range scm.catalogs {
		if cat.name == name {
			return cat
		}
	}
	return nil
}

// validate rejects schemas whose CASCADE foreign keys form a cycle: a
// deletion would have no guaranteed stopping point other than running out
// of records.
func (scm *Schema) validate() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(scm.stores))
	var path []*storeCore

	var visit func(s *storeCore) error
	visit = func(s *storeCore) error {
		switch state[s.pos] {
		case visiting:
			i := slices.Index(path, s)
			var names []string
			for _, p := range path[i:] {
				names = append(names, p.name)
			}
			names = append(names, s.name)
			return fmt.Errorf("estore: cascading foreign keys form a cycle: %s", strings.Join(names, " -> "))
		case done:
			return nil
		}
		state[s.pos] = visiting
		path = append(path, s)
		for _, dep := range s.dependents {
			if dep.fk.action != Cascade {
				continue
			}
			if err := visit(dep.store); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[s.pos] = done
		return nil
	}

	for _, s := range scm.stores {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}
