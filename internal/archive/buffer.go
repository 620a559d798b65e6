package archive

import (
	"sync"

	"motion/internal/constants"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, constants.CopyBufferSize)
	},
}

func getBuffer() []byte {
	return bufferPool.Get().([]byte)
}

func putBuffer(buf []byte) {
	if cap(buf) >= constants.CopyBufferSize {
		bufferPool.Put(buf[:constants.CopyBufferSize])
	}
}
