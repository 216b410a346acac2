package core

import "sync"

const defaultBatchLogCapacity = 100

// frameBatches holds the batch records of one frame in completion order.
type frameBatches struct {
	frame   uint64
	batches []BatchRecord
}

// batchLog keeps the most recent batch records grouped by frame. Capacity
// counts records; the oldest records go first once it is exceeded.
type batchLog struct {
	mu       sync.Mutex
	capacity int
	frames   []frameBatches
	size     int
}

func newBatchLog(capacity int) *batchLog {
	if capacity < 1 {
		capacity = defaultBatchLogCapacity
	}
	return &batchLog{capacity: capacity}
}

// Add appends a record to its frame. Records arrive in frame order because
// a frame drains every batch before the next one starts.
func (l *batchLog) Add(record BatchRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.frames); n == 0 || l.frames[n-1].frame != record.Frame {
		l.frames = append(l.frames, frameBatches{frame: record.Frame})
	}
	newest := &l.frames[len(l.frames)-1]
	newest.batches = append(newest.batches, record)
	l.size++

	for l.size > l.capacity {
		oldest := &l.frames[0]
		oldest.batches = oldest.batches[1:]
		if len(oldest.batches) == 0 {
			l.frames = l.frames[1:]
		}
		l.size--
	}
}

// Recent returns up to limit records, newest first. A non-positive limit returns all.
func (l *batchLog) Recent(limit int) []BatchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == 0 {
		return nil
	}
	if limit <= 0 || limit > l.size {
		limit = l.size
	}

	out := make([]BatchRecord, 0, limit)
	for i := len(l.frames) - 1; i >= 0 && len(out) < limit; i-- {
		batches := l.frames[i].batches
		for j := len(batches) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, batches[j])
		}
	}
	return out
}

func (l *batchLog) Last() (BatchRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == 0 {
		return BatchRecord{}, false
	}
	batches := l.frames[len(l.frames)-1].batches
	return batches[len(batches)-1], true
}

// Frame returns the retained records of frame in completion order. It
// reports false when none of that frame's records are still held.
func (l *batchLog) Frame(frame uint64) ([]BatchRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.frames) - 1; i >= 0; i-- {
		if l.frames[i].frame == frame {
			return append([]BatchRecord(nil), l.frames[i].batches...), true
		}
	}
	return nil, false
}
