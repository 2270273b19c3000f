// Package pipeline wires the per-core worker loop: a Source's packets
// flow through the mempool, the four staged filters, the connection
// tracker, TCP/UDP reassembly, parser selection, tracked-data updates and
// subscription dispatch (SPEC_FULL.md §4). It is grounded on
// cmd/packetd/packetd.go's one-callback-per-core shape and
// services/dispatch/nfqueue.go's staged evaluate-then-union-actions
// dispatch loop, generalized from nfqueue's single blocking callback into
// a standing per-core goroutine reading from a capture.Source.
package pipeline

import (
	"time"

	"github.com/google/gopacket"

	"github.com/untangle/flowscope/internal/action"
	"github.com/untangle/flowscope/internal/capture"
	"github.com/untangle/flowscope/internal/config"
	"github.com/untangle/flowscope/internal/conntrack"
	"github.com/untangle/flowscope/internal/filter"
	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/logger"
	"github.com/untangle/flowscope/internal/mbuf"
	"github.com/untangle/flowscope/internal/parser"
	"github.com/untangle/flowscope/internal/reassembly"
	"github.com/untangle/flowscope/internal/session"
	"github.com/untangle/flowscope/internal/stats"
	"github.com/untangle/flowscope/internal/subscription"
	"github.com/untangle/flowscope/internal/track"
)

// Worker owns one core's entire pipeline: its own mempool, connection
// table and timer wheel. There is no state shared between workers
// (SPEC_FULL.md §4.2's concurrency note), so nothing here takes a lock.
type Worker struct {
	id       int
	cfg      *config.Config
	registry *parser.Registry
	subs     []*subscription.Subscription
	program  *filter.Program
	datatypes map[track.Datatype]bool

	dispatcher *subscription.Dispatcher
	counters   *stats.CoreCounters
	geo        track.GeoLookup

	mbufPool *mbuf.Pool
	tracker  *conntrack.ConnTracker
}

// NewWorker builds one core's pipeline. dispatcher is shared across every
// worker of the process; counters is this core's own set
// (stats.Registry.Core); everything else is worker-owned.
func NewWorker(
	id int,
	cfg *config.Config,
	registry *parser.Registry,
	subs []*subscription.Subscription,
	dispatcher *subscription.Dispatcher,
	counters *stats.CoreCounters,
	geo track.GeoLookup,
) *Worker {
	w := &Worker{
		id:         id,
		cfg:        cfg,
		registry:   registry,
		subs:       subs,
		program:    subscription.BuildProgram(subs),
		datatypes:  subscription.Datatypes(subs),
		dispatcher: dispatcher,
		counters:   counters,
		geo:        geo,
		mbufPool:   mbuf.NewPool(cfg.Mempool.Capacity, bufSizeFor(cfg)),
	}

	wheel := conntrack.NewTimerWheel(
		maxInt(cfg.Conntrack.TCPInactivityMs, cfg.Conntrack.UDPInactivityMs),
		cfg.Conntrack.TimeoutResolutionMs,
		time.Now(),
	)
	w.tracker = conntrack.NewConnTracker(cfg.Conntrack.MaxConnections, wheel, w.onConnTerminate)
	return w
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// bufSizeFor picks the mempool's per-buffer size from the configured
// capture snaplen, falling back to a generous default for offline replay
// where no snaplen is configured.
func bufSizeFor(cfg *config.Config) int {
	if cfg.Online.SnapLen > 0 {
		return int(cfg.Online.SnapLen)
	}
	return 65536
}

// Close releases the worker's mempool, waiting briefly for outstanding
// Mbufs to drain.
func (w *Worker) Close() {
	if leaked := w.mbufPool.Close(2 * time.Second); leaked > 0 {
		logger.Warn("core %d: %d mbufs still outstanding at shutdown\n", w.id, leaked)
	}
}

// Run drains src until it closes, handling one packet at a time and
// sweeping the inactivity timer wheel on its own ticker.
func (w *Worker) Run(src capture.Source) {
	ticker := w.tracker.Ticker()
	defer w.tracker.Stop()

	packets := src.Packets()
	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			w.HandlePacket(pkt)
		case <-ticker.C:
			evicted := w.tracker.CheckInactive(time.Now())
			if evicted > 0 {
				w.counters.InactivityEvicted.Add(uint64(evicted))
			}
			w.counters.CapacityEvicted.Store(w.tracker.CapacityDrops())
		}
	}
}

// inactivityWindow returns the configured idle timeout for proto.
func (w *Worker) inactivityWindow(proto l4.Proto) time.Duration {
	if proto == l4.ProtoUDP {
		return w.cfg.Conntrack.UDPInactivity()
	}
	return w.cfg.Conntrack.TCPInactivity()
}

// HandlePacket runs one packet through the full staged pipeline.
func (w *Worker) HandlePacket(pkt gopacket.Packet) {
	w.counters.PacketsReceived.Add(1)
	now := time.Now()

	ctx, payload, err := l4.L4ContextFrom(pkt)
	if err != nil {
		w.counters.PacketsDropped.Add(1)
		return
	}

	pcActions, _ := w.program.PacketContinueFilter(protocolPresenceFacts(ctx))
	if !pcActions.Has(action.PacketContinue) {
		w.counters.PacketsDropped.Add(1)
		return
	}

	m, err := w.mbufPool.Get(payload)
	if err != nil {
		w.counters.MempoolExhausted.Add(1)
		return
	}
	defer m.Release()

	id := l4.NewConnId(ctx.Src, ctx.Dst, ctx.Proto)
	conn, existing := w.tracker.Get(id)
	var dir bool
	if !existing {
		tuple := l4.FiveTupleFrom(ctx)
		conn = conntrack.NewConn(id, tuple, w.inactivityWindow(ctx.Proto), now)
		switch ctx.Proto {
		case l4.ProtoTCP:
			conn.TCPOrig = reassembly.NewTcpFlow(w.cfg.Conntrack.MaxOutOfOrder)
			conn.TCPResp = reassembly.NewTcpFlow(w.cfg.Conntrack.MaxOutOfOrder)
		case l4.ProtoUDP:
			conn.UDP = &reassembly.UdpFlow{}
		}
		conn.Selection = parser.NewSelection(w.registry, w.cfg.Conntrack.MaxParserProbeBudget)
		conn.Tracked = track.New(w.datatypes, tuple, now, w.geo)
		conn.Actions = action.PacketContinue
		w.tracker.Insert(conn)
		dir = true
	} else {
		dir = l4.Dir(conn.Tuple, ctx)
		w.tracker.Touch(conn, now)
	}

	if ctx.HasTCPFlags() {
		conn.ObserveTCPFlags(dir, ctx.Flags)
	}

	pdu := l4.L4Pdu{Mbuf: m, Ctx: ctx, Payload: payload, Dir: dir}

	facts := packetFacts(conn.Tuple, ctx, payload)
	connActions, results := w.program.PacketFilter(facts)
	conn.Actions = action.Union(conn.Actions, connActions)

	w.deliverPacketEvents(conn, results, subscription.PacketEvent{
		ConnID: id, Tuple: conn.Tuple, Payload: payload, Tracked: conn.Tracked,
	})

	if conn.Actions.Has(action.ConnDataTrack) && conn.Tracked != nil {
		conn.Tracked.Update(pdu, false)
	}
	if !conn.Actions.Has(action.FrameTrack) && conn.Tracked != nil {
		// FrameTrack cleared (no subscription wants buffered frames
		// anymore): drop anything already retained.
		conn.Tracked.DrainPacketLists()
	}

	switch ctx.Proto {
	case l4.ProtoTCP:
		flow := conn.TCPFlow(dir)
		prevEvict := flow.OooEvictCount
		// Insert may buffer this segment in the ooo queue past this
		// function's return (or discard it outright); take an extra ref
		// so the defer above never reclaims it out from under the flow,
		// and release that ref at the one point the segment's fate is
		// decided (consumed or discarded) inside reassembly.go.
		m.Ref()
		flow.Insert(reassembly.Segment{Seq: ctx.Seq, Flags: ctx.Flags, Payload: payload, Mbuf: m}, func(seg reassembly.Segment) {
			defer seg.Mbuf.Release()
			w.handleReassembled(conn, dir, seg, now)
		})
		if flow.OooEvictCount > prevEvict {
			w.counters.OooEvicted.Add(flow.OooEvictCount - prevEvict)
		}
	case l4.ProtoUDP:
		if conn.UDP != nil {
			conn.UDP.Observe(len(payload))
		}
		w.handleReassembled(conn, dir, reassembly.Segment{Payload: payload, Mbuf: m}, now)
	}

	if conn.IsTerminated() {
		w.tracker.Remove(conn.ID)
	}
}

// deliverPacketEvents try-sends a PacketEvent to every subscription whose
// predicate resolved true at the Packet filter stage and that populated
// OnPacket.
func (w *Worker) deliverPacketEvents(conn *conntrack.Conn, results []filter.RuleResult, ev subscription.PacketEvent) {
	verdicts := subscription.VerdictByIndex(results)
	for _, sub := range w.subs {
		if sub.Handler.OnPacket == nil || verdicts[sub.Index] != filter.VerdictTrue {
			continue
		}
		st := conn.SubState(sub.Index)
		if st.Fired&conntrack.FirePacket != 0 {
			continue
		}
		if w.dispatcher.DeliverPacket(sub.Index, ev) {
			st.Fired |= conntrack.FirePacket
		} else {
			w.counters.DispatchDropped.Add(1)
		}
	}
}

// handleReassembled processes one in-order byte range: tracked-data
// updates on the reassembled pass, then parser selection/feed, session
// delivery and protocol-stage re-evaluation.
func (w *Worker) handleReassembled(conn *conntrack.Conn, dir bool, seg reassembly.Segment, now time.Time) {
	if len(seg.Payload) == 0 {
		return
	}
	rpdu := l4.L4Pdu{Mbuf: seg.Mbuf, Ctx: syntheticCtx(conn.Tuple, dir), Payload: seg.Payload, Dir: dir}

	if conn.Actions.Has(action.ConnDataTrack) && conn.Tracked != nil {
		conn.Tracked.Update(rpdu, true)
	}

	if !conn.Actions.Has(action.ConnParse) || conn.Selection == nil {
		return
	}

	result, err := conn.Selection.Feed(rpdu)
	if err != nil {
		w.counters.ParserFatal.Add(1)
		conn.Selection = nil
		conn.Actions = conn.Actions.Clear(action.ConnParse)
		return
	}

	winner, name, hasWinner := conn.Selection.Winner()
	if hasWinner && !conn.ProtoEvaluated {
		conn.ProtoEvaluated = true
		conn.ParserName = name
		if conn.Tracked != nil && conn.Tracked.History != nil {
			conn.Tracked.History.RecordSessionStart()
		}
		facts := protocolDecidedFacts(packetFacts(conn.Tuple, syntheticCtx(conn.Tuple, true), nil), name)
		protoActions, _ := w.program.ProtocolFilter(facts)
		conn.Actions = action.Union(conn.Actions, protoActions)
	} else if conn.Selection.Eliminated() {
		conn.Actions = conn.Actions.Clear(action.ConnParse)
		conn.Selection = nil
		return
	}

	if result.Kind != parser.ParseDone || winner == nil {
		return
	}
	sess, ok := winner.RemoveSession(result.SessionID)
	if !ok {
		return
	}
	w.deliverSession(conn, winner, sess, now)
}

// deliverSession runs the Session filter stage for one completed parser
// session and try-sends a SessionEvent to every matching subscription.
func (w *Worker) deliverSession(conn *conntrack.Conn, winner parser.Parser, sess session.Session, now time.Time) {
	if conn.Tracked != nil && conn.Tracked.Sessions != nil {
		conn.Tracked.Sessions.Append(sess)
	}
	if conn.Tracked != nil && conn.Tracked.History != nil {
		conn.Tracked.History.RecordSessionEnd()
	}

	base := protocolDecidedFacts(packetFacts(conn.Tuple, syntheticCtx(conn.Tuple, true), nil), conn.ParserName)
	facts := sessionFactsFor(base, sess)

	actions, results := w.program.SessionFilter(facts)
	conn.Actions = action.Union(conn.Actions, actions)

	verdicts := subscription.VerdictByIndex(results)
	ev := subscription.SessionEvent{ConnID: conn.ID, Tuple: conn.Tuple, Session: sess, Tracked: conn.Tracked}
	for _, sub := range w.subs {
		if sub.Handler.OnSession == nil || verdicts[sub.Index] != filter.VerdictTrue {
			continue
		}
		st := conn.SubState(sub.Index)
		if st.Fired&conntrack.FireSession != 0 {
			continue
		}
		if w.dispatcher.DeliverSession(sub.Index, ev) {
			st.Fired |= conntrack.FireSession
		} else {
			w.counters.DispatchDropped.Add(1)
		}
	}

	if actions.Has(action.SessionParse) {
		w.applyConnState(conn, winner.SessionMatchState())
	} else {
		w.applyConnState(conn, winner.SessionNoMatchState())
	}
}

// applyConnState adopts the ConnState a parser recommends after a filter
// decision about its sessions (SPEC_FULL.md §4.5).
func (w *Worker) applyConnState(conn *conntrack.Conn, state parser.ConnState) {
	switch state {
	case parser.StateRemove:
		conn.Selection = nil
		conn.Actions = conn.Actions.Clear(action.ConnParse)
	case parser.StateTracking:
		conn.Actions = conn.Actions.Clear(action.ConnParse)
	case parser.StateParsing:
		// keep feeding the parser
	}
}

// onConnTerminate is the conntrack.TerminationHook bound to this worker:
// it appends any drained sessions, re-evaluates each subscription's
// predicate against the connection's final known facts, and delivers
// ConnEvent to subscriptions whose predicate matched and that haven't
// already fired ConnDeliver for this connection.
func (w *Worker) onConnTerminate(conn *conntrack.Conn, drained []session.Session) {
	if conn.Tracked != nil && conn.Tracked.Sessions != nil {
		for _, s := range drained {
			conn.Tracked.Sessions.Append(s)
		}
	}
	if !conn.Actions.Has(action.ConnDeliver) {
		return
	}

	facts := packetFacts(conn.Tuple, syntheticCtx(conn.Tuple, true), nil)
	if conn.ParserName != "" {
		facts = protocolDecidedFacts(facts, conn.ParserName)
	}
	_, results := w.program.PacketFilter(facts)
	verdicts := subscription.VerdictByIndex(results)

	ev := subscription.ConnEvent{ConnID: conn.ID, Tuple: conn.Tuple, Tracked: conn.Tracked, Drained: drained}
	for _, sub := range w.subs {
		if sub.Handler.OnConn == nil || verdicts[sub.Index] != filter.VerdictTrue {
			continue
		}
		st := conn.SubState(sub.Index)
		if st.Fired&conntrack.FireConn != 0 {
			continue
		}
		if w.dispatcher.DeliverConn(sub.Index, ev) {
			st.Fired |= conntrack.FireConn
		} else {
			w.counters.DispatchDropped.Add(1)
		}
	}
}
