package estore

import "sync"

// keyBytesPool holds scratch buffers for seek and lookup keys. Keys passed
// to bucket Put must not come from it, since bolt retains them until commit.
var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

func acquireKeyBytes() []byte {
	return keyBytesPool.Get().([]byte)[:0]
}

func releaseKeyBytes(b []byte) {
	if cap(b) <= 32768 {
		keyBytesPool.Put(b[:0])
	}
}

var emptyIndexValue = []byte{}
