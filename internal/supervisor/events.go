package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is a timestamped message for the operator.
type Event struct {
	Seq     uint64     `json:"seq"`
	Time    time.Time  `json:"time"`
	Service string     `json:"service,omitempty"`
	Level   slog.Level `json:"level"`
	Kind    Kind       `json:"kind"`
	Message string     `json:"message"`
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// Observer receives notifications from the supervisor. Calls are made from
// a single goroutine in emission order, never while supervisor locks are
// held. Observers must not block for long.
type Observer interface {
	OnStateChanged(service string, from, to State)
	OnLogEvent(ev Event)
}

// ObserverFuncs adapts a pair of functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChanged func(service string, from, to State)
	LogEvent     func(ev Event)
}

func (f ObserverFuncs) OnStateChanged(service string, from, to State) {
	if f.StateChanged != nil {
		f.StateChanged(service, from, to)
	}
}

func (f ObserverFuncs) OnLogEvent(ev Event) {
	if f.LogEvent != nil {
		f.LogEvent(ev)
	}
}

type notification struct {
	event   *Event
	service string
	from    State
	to      State
}

type subscriber struct {
	id  int
	obs Observer
}

// dispatcher delivers notifications to observers on one goroutine, in the
// order they were enqueued.
type dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []notification
	subs   []subscriber
	nextID int
	seq    uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(obs Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscriber{id: id, obs: obs})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// event enqueues ev, assigning its sequence number. It returns the event as
// it will be delivered.
func (d *dispatcher) event(ev Event) Event {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ev
	}
	d.seq++
	ev.Seq = d.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	d.queue = append(d.queue, notification{event: &ev})
	d.mu.Unlock()
	d.signal()
	return ev
}

func (d *dispatcher) stateChanged(service string, from, to State) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, notification{service: service, from: from, to: to})
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		subs := append([]subscriber(nil), d.subs...)
		d.mu.Unlock()

		for _, n := range batch {
			for _, s := range subs {
				d.deliver(s.obs, n)
			}
		}
	}
}

func (d *dispatcher) deliver(obs Observer, n notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", "panic", r)
		}
	}()
	if n.event != nil {
		obs.OnLogEvent(*n.event)
		return
	}
	obs.OnStateChanged(n.service, n.from, n.to)
}

// close delivers everything already queued, then stops the delivery goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}
