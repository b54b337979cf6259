/*
Package estore implements typed record stores with automatically maintained
secondary indices and foreign keys on top of a key-value store (Bolt, or an
in-memory engine for tests).

We implement:

1. Stores, keyed collections of records converted to and from bytes by an
EntityBinding: SerialBinding (self-describing, type ids kept in a
ClassCatalog), MarshalledBinding (key fields kept out of the stored value) or
TupleBinding (order-preserving encoding of primitives).

2. Indices, mapping a secondary key computed by a KeyExtractor to primary
keys. Indices allow sorted duplicates unless defined as Unique.

3. Foreign key indices, whose secondary keys must exist in a target store.
Deleting a referenced target record aborts, cascades or nullifies.

4. Cursors, which are owned by their transaction and released exactly once.

# Technical Details

**Buckets.**
Every store is a root bucket holding the "data" bucket with the records, one
"i_<name>" bucket per index and a "_state" key.

**Store state.**
The state lists the indices that have been maintained for the store and
assigns an ordinal to each. Ordinals are never reused. Indices are never
rebuilt, so adding an index to a store that already has records fails Open.

## Binary encoding

**Tuple encoding.**
Each element is escaped (00 becomes 00 FF) and terminated by 00 01. Encoded
tuples sort element by element, and the encoding of the leading elements is a
prefix of the whole tuple. Integers are big-endian with the sign bit flipped;
floats are transformed so that their bytes sort numerically.

**Index entries.**
Sorted-duplicate index: key is the secondary key encoded as one tuple
element followed by the primary key, value is empty. Unique index: key is
the secondary key, value is the primary key.

**Serial values**: uvarint class id, then msgpack of the object.

**Class catalog**: "d" + big-endian id => msgpack of the type descriptor,
"f" + big-endian fingerprint => id.
*/
package estore
