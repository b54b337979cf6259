package estore

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	catalogDescPrefix = 'd'
	catalogFPPrefix   = 'f'
	catalogMarkerKey  = "_catalog"
)

// ClassCatalog maps type descriptors to small integer ids so that records
// written by SerialBinding carry an id instead of the full type metadata.
//
// A catalog is defined on a Schema and lives as long as the DB it is opened
// with: Open loads it and registers the descriptors of every serial binding
// that uses it, Close shuts it down. Lookups are safe from any number of
// concurrent transactions.
type ClassCatalog struct {
	name     string
	declared []*TypeDescriptor

	mu     sync.Mutex
	db     *DB
	closed bool

	byID *xsync.MapOf[uint64, *TypeDescriptor]
	byFP *xsync.MapOf[uint64, uint64]
}

// catalogPending holds registrations made by a transaction that has not
// committed yet. They are published to the shared caches after commit.
type catalogPending struct {
	byID map[uint64]*TypeDescriptor
	byFP map[uint64]uint64
}

func NewClassCatalog(scm *Schema, name string) *ClassCatalog {
	cat := &ClassCatalog{name: name}
	scm.addCatalog(cat)
	return cat
}

func (cat *ClassCatalog) Name() string { return cat.name }

func (cat *ClassCatalog) declare(descs ...*TypeDescriptor) {
	cat.declared = append(cat.declared, descs...)
}

func (cat *ClassCatalog) open(tx *Tx) error {
	if err := cat.load(tx); err != nil {
		return err
	}
	for _, desc := range cat.declared {
		if !tx.writable {
			break // read-only databases resolve ids lazily
		}
		if _, err := cat.IDFor(tx, desc); err != nil {
			cat.close()
			return err
		}
	}
	if tx.db.verbose {
		tx.db.logger.Debug("estore: catalog opened", "catalog", cat.name, "types", cat.byID.Size())
	}
	return nil
}

func (cat *ClassCatalog) load(tx *Tx) error {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if cat.db != nil {
		return fmt.Errorf("class catalog %s is already open", cat.name)
	}

	var b storageBucket
	if tx.db.noCreate {
		b = tx.stx.Bucket(cat.name, "")
		if b == nil {
			return fmt.Errorf("class catalog %s: container does not exist", cat.name)
		}
	} else {
		var err error
		b, err = tx.stx.CreateBucket(cat.name, "")
		if err != nil {
			return fmt.Errorf("class catalog %s: %w", cat.name, err)
		}
		if b.Get([]byte(catalogMarkerKey)) == nil {
			if err := b.Put([]byte(catalogMarkerKey), []byte{1}); err != nil {
				return fmt.Errorf("class catalog %s: %w", cat.name, err)
			}
		}
	}

	descs, err := readCatalogBucket(b)
	if err != nil {
		return fmt.Errorf("class catalog %s: %w", cat.name, err)
	}
	byID := xsync.NewMapOf[uint64, *TypeDescriptor]()
	byFP := xsync.NewMapOf[uint64, uint64]()
	for id, desc := range descs {
		byID.Store(id, desc)
		byFP.Store(desc.Fingerprint(), id)
	}

	cat.byID, cat.byFP = byID, byFP
	cat.db, cat.closed = tx.db, false
	return nil
}

func (cat *ClassCatalog) close() {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	cat.db = nil
	cat.closed = true
	cat.byID, cat.byFP = nil, nil
}

func (cat *ClassCatalog) caches(tx *Tx) (*xsync.MapOf[uint64, *TypeDescriptor], *xsync.MapOf[uint64, uint64], error) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if cat.db == nil {
		if cat.closed {
			return nil, nil, ErrCatalogClosed
		}
		return nil, nil, fmt.Errorf("class catalog %s is not open", cat.name)
	}
	if cat.db != tx.db {
		return nil, nil, fmt.Errorf("class catalog %s is open in another database", cat.name)
	}
	return cat.byID, cat.byFP, nil
}

func (cat *ClassCatalog) pending(tx *Tx, create bool) *catalogPending {
	p := tx.catalogs[cat]
	if p == nil && create {
		p = &catalogPending{
			byID: make(map[uint64]*TypeDescriptor),
			byFP: make(map[uint64]uint64),
		}
		if tx.catalogs == nil {
			tx.catalogs = make(map[*ClassCatalog]*catalogPending)
		}
		tx.catalogs[cat] = p
		byID, byFP := cat.byID, cat.byFP
		tx.addAfterCommit(func() {
			for id, desc := range p.byID {
				byID.Store(id, desc)
			}
			for fp, id := range p.byFP {
				byFP.Store(fp, id)
			}
		})
	}
	return p
}

// IDFor returns the id of the descriptor, registering it on first use.
// Registration needs a writable transaction and becomes visible to other
// transactions once tx commits.
func (cat *ClassCatalog) IDFor(txh Txish, desc *TypeDescriptor) (uint64, error) {
	tx := txh.DBTx()
	byID, byFP, err := cat.caches(tx)
	if err != nil {
		return 0, err
	}
	fp := desc.Fingerprint()

	if id, ok := byFP.Load(fp); ok {
		if known, _ := byID.Load(id); known != nil && known.Equal(desc) {
			return id, nil
		}
		return 0, fmt.Errorf("class catalog %s: fingerprint collision between %v and id %d", cat.name, desc, id)
	}
	if p := cat.pending(tx, false); p != nil {
		if id, ok := p.byFP[fp]; ok {
			return id, nil
		}
	}

	b := tx.stx.Bucket(cat.name, "")
	if b == nil {
		return 0, fmt.Errorf("class catalog %s: container missing", cat.name)
	}
	if raw := b.Get(catalogKey(catalogFPPrefix, fp)); raw != nil {
		if len(raw) != 8 {
			return 0, dataErrf(raw, 0, nil, "class catalog %s: invalid fingerprint entry", cat.name)
		}
		id := binary.BigEndian.Uint64(raw)
		stored, err := cat.loadDescriptor(b, id)
		if err != nil {
			return 0, err
		}
		byID.Store(id, stored)
		byFP.Store(fp, id)
		return id, nil
	}

	if !tx.writable {
		return 0, fmt.Errorf("class catalog %s: registering %s: %w", cat.name, desc.Name, ErrTxNotWritable)
	}
	id, err := b.NextSequence()
	if err != nil {
		return 0, tx.fail(fmt.Errorf("class catalog %s: %w", cat.name, err))
	}
	if err := b.Put(catalogKey(catalogDescPrefix, id), msgpackMarshal(desc)); err != nil {
		return 0, tx.fail(fmt.Errorf("class catalog %s: %w", cat.name, err))
	}
	if err := b.Put(catalogKey(catalogFPPrefix, fp), binary.BigEndian.AppendUint64(nil, id)); err != nil {
		return 0, tx.fail(fmt.Errorf("class catalog %s: %w", cat.name, err))
	}

	p := cat.pending(tx, true)
	p.byID[id] = desc
	p.byFP[fp] = id
	tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "estore: class registered",
		slog.String("catalog", cat.name), slog.Uint64("id", id), slog.String("type", desc.Name))
	return id, nil
}

// DescriptorFor returns the descriptor registered under id.
func (cat *ClassCatalog) DescriptorFor(txh Txish, id uint64) (*TypeDescriptor, error) {
	tx := txh.DBTx()
	byID, byFP, err := cat.caches(tx)
	if err != nil {
		return nil, err
	}
	if desc, ok := byID.Load(id); ok {
		return desc, nil
	}
	if p := cat.pending(tx, false); p != nil {
		if desc := p.byID[id]; desc != nil {
			return desc, nil
		}
	}
	b := tx.stx.Bucket(cat.name, "")
	if b == nil {
		return nil, fmt.Errorf("class catalog %s: container missing", cat.name)
	}
	desc, err := cat.loadDescriptor(b, id)
	if err != nil {
		return nil, err
	}
	byID.Store(id, desc)
	byFP.Store(desc.Fingerprint(), id)
	return desc, nil
}

func (cat *ClassCatalog) loadDescriptor(b storageBucket, id uint64) (*TypeDescriptor, error) {
	raw := b.Get(catalogKey(catalogDescPrefix, id))
	if raw == nil {
		return nil, fmt.Errorf("class catalog %s: unknown class id %d", cat.name, id)
	}
	desc, err := decodeDescriptor(raw)
	if err != nil {
		return nil, fmt.Errorf("class catalog %s: id %d: %w", cat.name, id, err)
	}
	return desc, nil
}

// Descriptors returns every registered descriptor keyed by id.
func (cat *ClassCatalog) Descriptors(txh Txish) (map[uint64]*TypeDescriptor, error) {
	tx := txh.DBTx()
	if _, _, err := cat.caches(tx); err != nil {
		return nil, err
	}
	b := tx.stx.Bucket(cat.name, "")
	if b == nil {
		return nil, fmt.Errorf("class catalog %s: container missing", cat.name)
	}
	return readCatalogBucket(b)
}

func readCatalogBucket(b storageBucket) (map[uint64]*TypeDescriptor, error) {
	result := make(map[uint64]*TypeDescriptor)
	c := b.Cursor()
	defer c.Close()
	for k, v := c.Seek([]byte{catalogDescPrefix}); k != nil && k[0] == catalogDescPrefix; k, v = c.Next() {
		if len(k) != 9 {
			return nil, dataErrf(k, 0, nil, "invalid descriptor key")
		}
		desc, err := decodeDescriptor(v)
		if err != nil {
			return nil, err
		}
		result[binary.BigEndian.Uint64(k[1:])] = desc
	}
	return result, nil
}

func decodeDescriptor(raw []byte) (*TypeDescriptor, error) {
	desc := new(TypeDescriptor)
	if err := msgpackUnmarshal(raw, desc); err != nil {
		return nil, err
	}
	desc.fp = desc.fingerprint()
	return desc, nil
}

func catalogKey(prefix byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefix}, v)
}
