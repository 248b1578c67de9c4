package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxHistory       = 5000
	DefaultSubscriberBuffer = 256
	persistQueueSize        = 1024
)

// Bus fans events out to subscribers, keeps a bounded in-memory history and
// persists every event to an optional Log from a single writer goroutine.
type Bus struct {
	logger *slog.Logger
	log    *Log
	now    func() time.Time

	mu      sync.Mutex
	lastID  int64
	history *ring
	subs    map[*Subscription]struct{}
	closed  bool

	persist    chan Event
	writerDone chan struct{}
}

// NewBus creates a bus. log may be nil for an in-memory bus.
func NewBus(maxHistory int, log *Log, logger *slog.Logger) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	b := &Bus{
		logger:     logger,
		log:        log,
		now:        time.Now,
		history:    newRing(maxHistory),
		subs:       make(map[*Subscription]struct{}),
		writerDone: make(chan struct{}),
	}
	if log != nil {
		b.persist = make(chan Event, persistQueueSize)
		go b.writer()
	} else {
		close(b.writerDone)
	}
	return b
}

// Publish assigns the next id and timestamp to a new event and delivers it.
func (b *Bus) Publish(typ EventType, data map[string]any) Event {
	return b.PublishEvent(Event{Type: typ, Data: data})
}

// PublishEvent delivers ev, overwriting its id. A zero timestamp is filled in.
// History, every subscriber and the returned event each get their own copy
// of Data.
func (b *Bus) PublishEvent(ev Event) Event {
	if ev.Timestamp == "" {
		ev.Timestamp = formatTime(b.now())
	}
	ev.Data = copyData(ev.Data)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	ev.ID = b.lastID
	b.history.push(ev)

	for sub := range b.subs {
		sub.deliver(ev.clone())
	}

	if b.persist != nil && !b.closed {
		select {
		case b.persist <- ev.clone():
		default:
			b.logger.Warn("event persistence queue full, dropping persisted copy", "id", ev.ID, "type", ev.Type)
		}
	}
	return ev.clone()
}

func (b *Bus) writer() {
	defer close(b.writerDone)
	batch := make([]Event, 0, 64)
	for ev := range b.persist {
		batch = append(batch[:0], ev)
	drain:
		for len(batch) < cap(batch) {
			select {
			case next, ok := <-b.persist:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := b.log.AppendBatch(batch); err != nil {
			b.logger.Warn("failed to persist events", "count", len(batch), "err", err)
		}
	}
}

// Subscribe registers a subscriber with a queue of the given size. When the
// queue is full the oldest queued event is dropped.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// History returns copies of the retained events oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.history.items()
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

// LastID returns the id of the most recently published or replayed event.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// LoadHistoryFromDisk replays persisted events at or after since into the
// in-memory history and advances the id counter past every id in the log.
// It returns the number of events replayed.
func (b *Bus) LoadHistoryFromDisk(since time.Time) (int, error) {
	if b.log == nil {
		return 0, nil
	}
	all, err := b.log.Load(time.Time{}, 0)
	if err != nil {
		return 0, err
	}

	var maxID int64
	var recent []Event
	for _, ev := range all {
		if ev.ID > maxID {
			maxID = ev.ID
		}
		if !since.IsZero() {
			if ts, err := ev.Time(); err != nil || ts.Before(since) {
				continue
			}
		}
		recent = append(recent, ev)
	}
	if n := b.history.cap(); len(recent) > n {
		recent = recent[len(recent)-n:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range recent {
		b.history.push(ev)
	}
	if maxID > b.lastID {
		b.lastID = maxID
	}
	b.logger.Debug("replayed event history", "events", len(recent), "last_id", b.lastID)
	return len(recent), nil
}

// Close stops persistence after flushing queued events and closes every
// subscription. Publishing after Close still updates history.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.writerDone
		return
	}
	b.closed = true
	if b.persist != nil {
		close(b.persist)
	}
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.closeLocked()
	}
	b.mu.Unlock()

	<-b.writerDone
}

// Subscription is one consumer's ordered view of the bus.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done bool
}

// C returns the event channel. It is closed when the subscription or the bus
// is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

// deliver enqueues ev, evicting the oldest queued event when full. Called
// with the bus lock held so events stay in id order per subscriber.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

type ring struct {
	buf   []Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) cap() int { return len(r.buf) }

func (r *ring) push(ev Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []Event {
	out := make([]Event, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
