package jfr

import (
	"fmt"
	"strings"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/reader"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/utils"
)

type rawFrame struct {
	frame     *stackframe.Frame
	frameType byte
}

// lazyFrame is a method entry resolved on first use.
type lazyFrame struct {
	offset   int64
	resolved *stackframe.Frame
}

type lazyStack struct {
	offset int64
	frames []rawFrame
	done   bool
}

// resolver turns pool references into frames. Every lookup seeks to the
// recorded offset, so the caller's position is restored afterwards.
type resolver struct {
	r      *reader.Reader
	pools  *pools
	frames *stackframe.Registry
	logger utils.Logger

	stacks  map[int64]*lazyStack
	methods map[int64]*lazyFrame
	classes map[int64]string
	symbols map[int64]string

	misses int
}

func newResolver(r *reader.Reader, p *pools, frames *stackframe.Registry, logger utils.Logger) *resolver {
	res := &resolver{
		r:       r,
		pools:   p,
		frames:  frames,
		logger:  logger,
		stacks:  make(map[int64]*lazyStack, len(p.stackTraces)),
		methods: make(map[int64]*lazyFrame, len(p.methods)),
		classes: make(map[int64]string),
		symbols: make(map[int64]string),
	}
	for id, off := range p.stackTraces {
		res.stacks[id] = &lazyStack{offset: off}
	}
	for id, off := range p.methods {
		res.methods[id] = &lazyFrame{offset: off}
	}
	return res
}

// stackTrace returns the raw frames of a stack trace, leaf first.
func (res *resolver) stackTrace(id int64) ([]rawFrame, error) {
	st, ok := res.stacks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", parser.ErrUnknownStackTrace, id)
	}
	if st.done {
		return st.frames, nil
	}

	restore := res.r.Position()
	defer res.r.Seek(restore)

	if err := res.r.Seek(st.offset); err != nil {
		return nil, err
	}
	if _, err := res.r.ReadVarint(); err != nil { // truncated
		return nil, formatErr("stack trace", err)
	}
	n, err := res.r.ReadCount(frameMinSize)
	if err != nil {
		return nil, formatErr("stack trace", err)
	}

	type ref struct {
		method int64
		typ    byte
	}
	refs := make([]ref, 0, n)
	for i := 0; i < n; i++ {
		m, err := res.r.ReadVarI64()
		if err != nil {
			return nil, formatErr("stack frame", err)
		}
		for j := 0; j < 2; j++ { // line, bci
			if _, err := res.r.ReadVarint(); err != nil {
				return nil, formatErr("stack frame", err)
			}
		}
		typ, err := res.r.ReadU8()
		if err != nil {
			return nil, formatErr("stack frame", err)
		}
		refs = append(refs, ref{m, typ})
	}

	frames := make([]rawFrame, 0, n)
	for _, rf := range refs {
		frames = append(frames, rawFrame{frame: res.method(rf.method), frameType: rf.typ})
	}
	st.frames = frames
	st.done = true
	return frames, nil
}

// method resolves a method id. Misses produce a frame with empty names.
func (res *resolver) method(id int64) *stackframe.Frame {
	lf, ok := res.methods[id]
	if !ok {
		res.miss("method", id)
		lf = &lazyFrame{offset: -1, resolved: res.frames.Intern("", "")}
		res.methods[id] = lf
	}
	if lf.resolved != nil {
		return lf.resolved
	}

	var className, methodName string
	if err := res.r.Seek(lf.offset); err == nil {
		classID, err1 := res.r.ReadVarI64()
		nameID, err2 := res.r.ReadVarI64()
		if err1 == nil && err2 == nil {
			className = res.className(classID)
			methodName = res.symbol(nameID)
		}
	}
	lf.resolved = res.frames.Intern(className, methodName)
	return lf.resolved
}

func (res *resolver) className(id int64) string {
	if name, ok := res.classes[id]; ok {
		return name
	}
	name := ""
	if off, ok := res.pools.classes[id]; ok {
		if err := res.r.Seek(off); err == nil {
			_, err1 := res.r.ReadVarint() // loader
			nameID, err2 := res.r.ReadVarI64()
			if err1 == nil && err2 == nil {
				name = strings.ReplaceAll(res.symbol(nameID), "/", ".")
			}
		}
	} else if id != 0 {
		res.miss("class", id)
	}
	res.classes[id] = name
	return name
}

func (res *resolver) symbol(id int64) string {
	if s, ok := res.symbols[id]; ok {
		return s
	}
	s := ""
	if off, ok := res.pools.symbols[id]; ok {
		if err := res.r.Seek(off); err == nil {
			if v, err := res.r.ReadString(); err == nil {
				s = v
			}
		}
	} else {
		res.miss("symbol", id)
	}
	res.symbols[id] = s
	return s
}

func (res *resolver) miss(kind string, id int64) {
	res.misses++
	res.logger.Debug("unresolved %s %d", kind, id)
}
