// Package timer implements a keyed min-heap of deadlines, the idle-timeout
// wheel the reactor consults once per loop iteration to size its poller wait
// and to fire whichever connections have gone quiet.
package timer

import "time"

// Callback runs when a timer node expires or is fired early by DoWork.
type Callback func()

type node struct {
	id       int
	deadline time.Time
	cb       Callback
}

// Wheel is a min-heap of timer nodes ordered by deadline, with a side map
// from id to heap index supporting O(log n) Add/Adjust/cancel. It is mutated
// only by the reactor goroutine; no internal locking is provided.
type Wheel struct {
	heap []node
	ref  map[int]int
}

// New returns an empty Wheel sized for a modest number of concurrent connections.
func New() *Wheel {
	return &Wheel{
		heap: make([]node, 0, 64),
		ref:  make(map[int]int, 64),
	}
}

// Add arms a new timer for id, or updates and re-heapifies an existing one.
func (w *Wheel) Add(id int, timeout time.Duration, cb Callback) {
	deadline := time.Now().Add(timeout)
	if i, ok := w.ref[id]; ok {
		w.heap[i].deadline = deadline
		w.heap[i].cb = cb
		if !w.siftDown(i, len(w.heap)) {
			w.siftUp(i)
		}
		return
	}
	w.heap = append(w.heap, node{id: id, deadline: deadline, cb: cb})
	i := len(w.heap) - 1
	w.ref[id] = i
	w.siftUp(i)
}

// Adjust resets an existing timer's deadline. id must already be armed.
func (w *Wheel) Adjust(id int, timeout time.Duration) {
	i, ok := w.ref[id]
	if !ok {
		return
	}
	w.heap[i].deadline = time.Now().Add(timeout)
	if !w.siftDown(i, len(w.heap)) {
		w.siftUp(i)
	}
}

// DoWork invokes id's callback immediately and removes it, if present.
func (w *Wheel) DoWork(id int) {
	i, ok := w.ref[id]
	if !ok {
		return
	}
	cb := w.heap[i].cb
	w.del(i)
	if cb != nil {
		cb()
	}
}

// Cancel removes id's timer without invoking its callback.
func (w *Wheel) Cancel(id int) {
	if i, ok := w.ref[id]; ok {
		w.del(i)
	}
}

// Tick fires and removes every timer whose deadline has passed.
func (w *Wheel) Tick() {
	now := time.Now()
	for len(w.heap) > 0 && !w.heap[0].deadline.After(now) {
		cb := w.heap[0].cb
		w.pop()
		if cb != nil {
			cb()
		}
	}
}

// Pop removes the root timer without invoking its callback.
func (w *Wheel) Pop() {
	w.pop()
}

// NextTickMs returns the milliseconds until the nearest deadline, 0 if it has
// already passed, or -1 if the wheel is empty. The reactor uses this value as
// the poller's wait timeout, capped at its own maximum (-1 also maps to that
// maximum).
func (w *Wheel) NextTickMs() int {
	if len(w.heap) == 0 {
		return -1
	}
	d := time.Until(w.heap[0].deadline)
	if d < 0 {
		return 0
	}
	return int(d.Milliseconds())
}

// Len reports the number of armed timers, mainly for tests.
func (w *Wheel) Len() int { return len(w.heap) }

func (w *Wheel) pop() {
	if len(w.heap) == 0 {
		return
	}
	w.del(0)
}

// del removes the node at heap index i, maintaining the heap and ref map.
func (w *Wheel) del(i int) {
	n := len(w.heap) - 1
	w.swap(i, n)
	delete(w.ref, w.heap[n].id)
	w.heap = w.heap[:n]
	if i < n {
		if !w.siftDown(i, n) {
			w.siftUp(i)
		}
	}
}

func (w *Wheel) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !w.heap[i].deadline.Before(w.heap[parent].deadline) {
			break
		}
		w.swap(i, parent)
		i = parent
	}
}

// siftDown restores heap order downward from i within the first n elements,
// returning whether any swap was performed.
func (w *Wheel) siftDown(i, n int) bool {
	start := i
	for {
		left := i*2 + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && w.heap[right].deadline.Before(w.heap[left].deadline) {
			smallest = right
		}
		if !w.heap[smallest].deadline.Before(w.heap[i].deadline) {
			break
		}
		w.swap(i, smallest)
		i = smallest
	}
	return i > start
}

func (w *Wheel) swap(i, j int) {
	w.heap[i], w.heap[j] = w.heap[j], w.heap[i]
	w.ref[w.heap[i].id] = i
	w.ref[w.heap[j].id] = j
}
