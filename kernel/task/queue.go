package task

// queue is a FIFO of thread IDs. A thread is queued at most once, so the
// ring never holds more than MaxThreads entries.
type queue struct {
	items [MaxThreads]ThreadID
	head  int
	count int
}

func (q *queue) enqueue(id ThreadID) {
	if q.count == len(q.items) {
		panic(errQueueFull)
	}

	q.items[(q.head+q.count)%len(q.items)] = id
	q.count++
}

func (q *queue) dequeue() (ThreadID, bool) {
	if q.count == 0 {
		return InvalidThreadID, false
	}

	id := q.items[q.head]
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return id, true
}

func (q *queue) len() int {
	return q.count
}
