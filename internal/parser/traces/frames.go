package traces

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/elastic/go-freelru"

	"github.com/span-profiler/internal/stackframe"
)

// Java frame annotations appended by async-profiler: JIT compiled,
// inlined, interpreted and C1 compiled.
var javaSuffixes = []string{"_[j]", "_[i]", "_[0]", "_[1]"}

type parsedFrame struct {
	text  string
	frame *stackframe.Frame
	java  bool
}

// frameCache interns frame lines through a bounded LRU keyed by the xxhash of
// the line, in front of the frame registry.
type frameCache struct {
	lru    *lru.LRU[uint64, parsedFrame]
	frames *stackframe.Registry

	hits, misses int
}

func hashKey(k uint64) uint32 {
	return uint32(k ^ k>>32)
}

func newFrameCache(capacity uint32, frames *stackframe.Registry) (*frameCache, error) {
	c, err := lru.New[uint64, parsedFrame](capacity, hashKey)
	if err != nil {
		return nil, err
	}
	return &frameCache{lru: c, frames: frames}, nil
}

// parse turns the text of a frame line into a frame.
func (c *frameCache) parse(text string) parsedFrame {
	key := xxhash.Sum64String(text)
	if pf, ok := c.lru.Get(key); ok && pf.text == text {
		c.hits++
		return pf
	}
	c.misses++

	pf := parsedFrame{text: text}
	name := text
	for _, suffix := range javaSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			pf.java = true
			break
		}
	}
	if pf.java {
		pf.frame = c.frames.ParseQualified(name)
	} else {
		pf.frame = c.frames.Intern("", name)
	}
	c.lru.Add(key, pf)
	return pf
}
