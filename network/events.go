package network

import "sync"

// Sink receives session events. Calls arrive in order on one dedicated
// goroutine per session, never from the read loop itself.
type Sink interface {
	OnStatusChanged(text string)
	OnChatReceived(text string)
	OnFileReceived(filename, localPath string)
	OnTypingChanged(remoteTyping bool)
	OnSystemNotice(text string)
}

// ProgressSink is optionally implemented by a Sink that wants outbound
// transfer progress.
type ProgressSink interface {
	OnTransferProgress(job *TransferJob, sent, total int64)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	Status       func(text string)
	Chat         func(text string)
	FileReceived func(filename, localPath string)
	Typing       func(remoteTyping bool)
	Notice       func(text string)
}

func (f SinkFuncs) OnStatusChanged(text string) {
	if f.Status != nil {
		f.Status(text)
	}
}

func (f SinkFuncs) OnChatReceived(text string) {
	if f.Chat != nil {
		f.Chat(text)
	}
}

func (f SinkFuncs) OnFileReceived(filename, localPath string) {
	if f.FileReceived != nil {
		f.FileReceived(filename, localPath)
	}
}

func (f SinkFuncs) OnTypingChanged(remoteTyping bool) {
	if f.Typing != nil {
		f.Typing(remoteTyping)
	}
}

func (f SinkFuncs) OnSystemNotice(text string) {
	if f.Notice != nil {
		f.Notice(text)
	}
}

// eventQueue is an unbounded FIFO drained by one goroutine, so producers
// never block on a slow sink.
type eventQueue struct {
	sink Sink

	mu      sync.Mutex
	pending []func(Sink)
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newEventQueue(sink Sink) *eventQueue {
	if sink == nil {
		sink = SinkFuncs{}
	}
	q := &eventQueue{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) post(fn func(Sink)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events; already queued events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, deliver := range batch {
			deliver(q.sink)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *eventQueue) status(text string) {
	q.post(func(s Sink) { s.OnStatusChanged(text) })
}

func (q *eventQueue) chat(text string) {
	q.post(func(s Sink) { s.OnChatReceived(text) })
}

func (q *eventQueue) fileReceived(filename, localPath string) {
	q.post(func(s Sink) { s.OnFileReceived(filename, localPath) })
}

func (q *eventQueue) typing(remoteTyping bool) {
	q.post(func(s Sink) { s.OnTypingChanged(remoteTyping) })
}

func (q *eventQueue) notice(text string) {
	q.post(func(s Sink) { s.OnSystemNotice(text) })
}

func (q *eventQueue) progress(job *TransferJob, sent, total int64) {
	ps, ok := q.sink.(ProgressSink)
	if !ok {
		return
	}
	q.post(func(Sink) { ps.OnTransferProgress(job, sent, total) })
}
