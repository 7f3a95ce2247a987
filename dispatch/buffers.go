package dispatch

import "sync"

const defaultEntrySize = 64

type entryBuffer struct {
	data []byte
}

var entryBuffers = sync.Pool{
	New: func() any {
		return &entryBuffer{
			data: make([]byte, 0, defaultEntrySize),
		}
	},
}

// getEntryBuffer returns a pooled buffer sized for one submission entry.
func getEntryBuffer(size int) *entryBuffer {
	eb := entryBuffers.Get().(*entryBuffer)
	if cap(eb.data) < size {
		eb.data = make([]byte, size)
	}

	eb.data = eb.data[:size]
	return eb
}

func (eb *entryBuffer) release() {
	entryBuffers.Put(eb)
}
