package reactive

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// frame collects the cells read while one Computed evaluates.
type frame struct {
	deps  map[Cell]struct{}
	order []Cell
}

// tracker holds one frame stack per evaluating goroutine, so evaluations
// running concurrently never see each other's reads.
var tracker struct {
	mu     sync.Mutex
	stacks map[uint64][]*frame

	// active counts goroutines with a non-empty stack. Reads outside any
	// evaluation skip the goroutine lookup when it is zero.
	active atomic.Int64
}

func init() {
	tracker.stacks = make(map[uint64][]*frame)
}

func beginFrame(f *frame) {
	id := goroutineID()
	tracker.mu.Lock()
	stack := tracker.stacks[id]
	if len(stack) == 0 {
		tracker.active.Add(1)
	}
	tracker.stacks[id] = append(stack, f)
	tracker.mu.Unlock()
}

func endFrame() {
	id := goroutineID()
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	stack := tracker.stacks[id]
	switch n := len(stack); n {
	case 0:
	case 1:
		delete(tracker.stacks, id)
		tracker.active.Add(-1)
	default:
		tracker.stacks[id] = stack[:n-1]
	}
}

// record registers c as a dependency of the innermost Computed evaluating
// on the calling goroutine.
func record(c Cell) {
	if tracker.active.Load() == 0 {
		return
	}
	id := goroutineID()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	stack := tracker.stacks[id]
	n := len(stack)
	if n == 0 {
		return
	}
	top := stack[n-1]
	if top == nil || top.deps == nil {
		return
	}
	if _, seen := top.deps[c]; seen {
		return
	}
	top.deps[c] = struct{}{}
	top.order = append(top.order, c)
}

// Ignore runs fn without recording any dependency, even when called from
// inside a Computed.
func Ignore(fn func()) {
	beginFrame(nil)
	defer endFrame()
	fn()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id from the first line of the goroutine's stack
// trace ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
