package transcode

import (
	"container/list"
)

// jobQueue holds jobs waiting for a worker. Blocking jobs always come out before
// prefetch jobs, each class in submission order. Not safe for concurrent use, the
// executor guards it.
type jobQueue struct {
	blocking    *list.List
	prefetch    *list.List
	prefetchCap int
	elems       map[*Job]*list.Element
}

func newJobQueue(prefetchCap int) *jobQueue {
	return &jobQueue{
		blocking:    list.New(),
		prefetch:    list.New(),
		prefetchCap: prefetchCap,
		elems:       map[*Job]*list.Element{},
	}
}

// push returns false when the prefetch class is full. Blocking jobs are never refused.
func (q *jobQueue) push(j *Job) bool {
	if j.priority == PriorityPrefetch {
		if q.prefetchCap > 0 && q.prefetch.Len() >= q.prefetchCap {
			return false
		}
		q.elems[j] = q.prefetch.PushBack(j)
	} else {
		q.elems[j] = q.blocking.PushBack(j)
	}
	j.queued = true
	return true
}

func (q *jobQueue) pop() *Job {
	l := q.blocking
	if l.Len() == 0 {
		l = q.prefetch
	}
	front := l.Front()
	if front == nil {
		return nil
	}
	j := l.Remove(front).(*Job)
	delete(q.elems, j)
	j.queued = false
	return j
}

func (q *jobQueue) remove(j *Job) bool {
	el, ok := q.elems[j]
	if !ok {
		return false
	}
	if j.priority == PriorityPrefetch {
		q.prefetch.Remove(el)
	} else {
		q.blocking.Remove(el)
	}
	delete(q.elems, j)
	j.queued = false
	return true
}

// upgrade moves a queued prefetch job to the back of the blocking class
func (q *jobQueue) upgrade(j *Job) {
	if j.priority == PriorityBlocking {
		return
	}
	wasQueued := q.remove(j)
	j.priority = PriorityBlocking
	if wasQueued {
		q.push(j)
	}
}

// prefetchJobs returns the queued prefetch jobs, oldest first
func (q *jobQueue) prefetchJobs() []*Job {
	out := make([]*Job, 0, q.prefetch.Len())
	for el := q.prefetch.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Job))
	}
	return out
}

func (q *jobQueue) len(p Priority) int {
	if p == PriorityBlocking {
		return q.blocking.Len()
	}
	return q.prefetch.Len()
}
