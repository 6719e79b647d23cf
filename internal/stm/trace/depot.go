package trace

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	farm "github.com/dgryski/go-farm"
)

// MaxFrames is the number of program counters kept per stack. Abort sites
// are identified by the innermost user frames.
const MaxFrames = 8

// Stack is a fixed-size captured call stack.
type Stack struct {
	PC [MaxFrames]uintptr
}

// Depot stores each distinct stack once, keyed by the hash of its PCs.
type Depot struct {
	stacks sync.Map // uint64 -> *Stack
}

// Capture records the caller's stack, skipping skip frames above Capture's
// caller, and returns its hash. Zero means no stack was available.
func (d *Depot) Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}
	h := hashStack(pcs[:n])
	if _, ok := d.stacks.Load(h); !ok {
		d.stacks.LoadOrStore(h, &Stack{PC: pcs})
	}
	return h
}

// Get returns the stack stored under h, or nil.
func (d *Depot) Get(h uint64) *Stack {
	if h == 0 {
		return nil
	}
	v, ok := d.stacks.Load(h)
	if !ok {
		return nil
	}
	return v.(*Stack)
}

// Len counts stored stacks. It walks the whole depot.
func (d *Depot) Len() int {
	n := 0
	d.stacks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func hashStack(pcs []uintptr) uint64 {
	//nolint:gosec // G103: reading the PC array as bytes for hashing
	b := unsafe.Slice((*byte)(unsafe.Pointer(&pcs[0])), len(pcs)*int(unsafe.Sizeof(pcs[0])))
	h := farm.Hash64(b)
	if h == 0 {
		h = 1
	}
	return h
}

// Format renders the stack one frame per two lines, skipping runtime frames.
func (s *Stack) Format() string {
	if s == nil {
		return "  <unknown>\n"
	}
	frames := runtime.CallersFrames(trimZero(s.PC[:]))
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !internalFrame(frame.Function) {
			fmt.Fprintf(&buf, "  %s()\n      %s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

func trimZero(pcs []uintptr) []uintptr {
	for i, pc := range pcs {
		if pc == 0 {
			return pcs[:i]
		}
	}
	return pcs
}

func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.")
}
