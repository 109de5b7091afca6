package scheduler

import (
	"container/heap"
	"time"
)

type entry struct {
	sessionID string
	due       time.Time
	failures  int
	index     int
}

// delayQueue is a min-heap of entries ordered by due time
type delayQueue []*entry

var _ heap.Interface = (*delayQueue)(nil)

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q delayQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
