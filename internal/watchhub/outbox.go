package watchhub

import (
	"log"
	"sync"
)

// outbox serializes sends to one session. Messages are queued without
// blocking the producer and written by a single goroutine, so a session sees
// them in the order they were pushed and a slow session only delays itself.
type outbox struct {
	sess       Session
	maxPending int

	mu      sync.Mutex
	queue   []string
	backlog int // leading queue entries that do not count against maxPending
	closed  bool
	broken  bool
	dropped int

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newOutbox(sess Session, maxPending int) *outbox {
	return &outbox{
		sess:       sess,
		maxPending: maxPending,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (o *outbox) start() { go o.run() }

// pushBacklog queues msg ahead of any live message and outside the
// maxPending bound. It must only be called before start.
func (o *outbox) pushBacklog(msg string) {
	if msg == "" {
		return
	}
	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.backlog++
	o.mu.Unlock()
	o.signal()
}

// push queues msg. It never blocks on the session.
func (o *outbox) push(msg string) {
	if msg == "" {
		return
	}
	o.mu.Lock()
	switch {
	case o.closed || o.broken:
		o.mu.Unlock()
		return
	case o.maxPending > 0 && len(o.queue)-o.backlog >= o.maxPending:
		o.dropped++
		if o.dropped == 1 || o.dropped%1000 == 0 {
			log.Printf("watchhub: session %s is not keeping up, dropped %d messages", o.sess.ID(), o.dropped)
		}
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// close stops the sender and waits for an in-flight send to return.
// Queued messages that were not sent yet are discarded.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	o.queue, o.backlog = nil, 0
	o.mu.Unlock()

	close(o.quit)
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if o.closed || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			msg := o.queue[0]
			o.queue[0] = ""
			o.queue = o.queue[1:]
			if o.backlog > 0 {
				o.backlog--
			}
			o.mu.Unlock()

			if err := o.sess.Send(msg); err != nil {
				log.Printf("watchhub: send to session %s: %v", o.sess.ID(), err)
				o.mu.Lock()
				o.broken = true
				o.queue, o.backlog = nil, 0
				o.mu.Unlock()
				<-o.quit
				return
			}
		}
	}
}
