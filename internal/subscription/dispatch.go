package subscription

import (
	"sync"
	"sync/atomic"
)

// Dispatcher is the bounded-channel boundary between a pipeline worker
// and each subscription's callback. One worker goroutine per subscription
// drains its channel and invokes the handler, the way the teacher ran one
// lookupWorker goroutine per CPU draining a shared request channel; here
// delivery itself is non-blocking try-send (SPEC_FULL.md §4.9) rather
// than the teacher's blocking channel send, since the pipeline must never
// stall on a slow subscriber.
type Dispatcher struct {
	subs      []*Subscription
	packetCh  []chan PacketEvent
	sessionCh []chan SessionEvent
	connCh    []chan ConnEvent
	drops     []uint64 // atomic, indexed by subscription index
	wg        sync.WaitGroup
	stop      chan struct{}
}

// NewDispatcher starts one worker per subscription, each with its own
// bounded channel of the given capacity.
func NewDispatcher(subs []*Subscription, capacity int) *Dispatcher {
	d := &Dispatcher{
		subs:      subs,
		packetCh:  make([]chan PacketEvent, len(subs)),
		sessionCh: make([]chan SessionEvent, len(subs)),
		connCh:    make([]chan ConnEvent, len(subs)),
		drops:     make([]uint64, len(subs)),
		stop:      make(chan struct{}),
	}
	for i, s := range subs {
		d.packetCh[i] = make(chan PacketEvent, capacity)
		d.sessionCh[i] = make(chan SessionEvent, capacity)
		d.connCh[i] = make(chan ConnEvent, capacity)

		d.wg.Add(1)
		go d.worker(i, s)
	}
	return d
}

func (d *Dispatcher) worker(idx int, sub *Subscription) {
	defer d.wg.Done()
	packetCh, sessionCh, connCh := d.packetCh[idx], d.sessionCh[idx], d.connCh[idx]
	for {
		select {
		case ev := <-packetCh:
			if sub.Handler.OnPacket != nil {
				sub.Handler.OnPacket(ev)
			}
		case ev := <-sessionCh:
			if sub.Handler.OnSession != nil {
				sub.Handler.OnSession(ev)
			}
		case ev := <-connCh:
			if sub.Handler.OnConn != nil {
				sub.Handler.OnConn(ev)
			}
		case <-d.stop:
			return
		}
	}
}

// DeliverPacket try-sends a packet event to subscription idx, returning
// false (and counting a drop) if its channel is at capacity.
func (d *Dispatcher) DeliverPacket(idx int, ev PacketEvent) bool {
	select {
	case d.packetCh[idx] <- ev:
		return true
	default:
		atomic.AddUint64(&d.drops[idx], 1)
		return false
	}
}

// DeliverSession try-sends a session event to subscription idx.
func (d *Dispatcher) DeliverSession(idx int, ev SessionEvent) bool {
	select {
	case d.sessionCh[idx] <- ev:
		return true
	default:
		atomic.AddUint64(&d.drops[idx], 1)
		return false
	}
}

// DeliverConn try-sends a connection-termination event to subscription idx.
func (d *Dispatcher) DeliverConn(idx int, ev ConnEvent) bool {
	select {
	case d.connCh[idx] <- ev:
		return true
	default:
		atomic.AddUint64(&d.drops[idx], 1)
		return false
	}
}

// Drops reports the current drop counter for subscription idx.
func (d *Dispatcher) Drops(idx int) uint64 {
	return atomic.LoadUint64(&d.drops[idx])
}

// Stop signals every worker to exit and waits for them to return; events
// still queued in the channels at that point are not delivered.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}
