package track

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untangle/flowscope/internal/l4"
)

func mkPdu(dir bool, n int) l4.L4Pdu {
	return l4.L4Pdu{Payload: make([]byte, n), Dir: dir}
}

func TestCountsUpdateOnArrivalOnly(t *testing.T) {
	dt := map[Datatype]bool{DatatypeCounts: true}
	tr := New(dt, l4.FiveTuple{}, time.Unix(0, 0), nil)
	require.NotNil(t, tr.Counts)

	tr.Update(mkPdu(true, 100), false)
	tr.Update(mkPdu(true, 50), true) // reassembled pass should not double count
	tr.Update(mkPdu(false, 20), false)

	assert.Equal(t, uint64(1), tr.Counts.OrigPackets)
	assert.Equal(t, uint64(100), tr.Counts.OrigBytes)
	assert.Equal(t, uint64(1), tr.Counts.RespPackets)
	assert.Equal(t, uint64(20), tr.Counts.RespBytes)
}

func TestReassembledBytesOnlyCountsInOrderPass(t *testing.T) {
	dt := map[Datatype]bool{DatatypeReassembledBytes: true}
	tr := New(dt, l4.FiveTuple{}, time.Unix(0, 0), nil)

	tr.Update(mkPdu(true, 1460), false)
	tr.Update(mkPdu(true, 1460), true)

	assert.Equal(t, uint64(1460), tr.ReassembledBytes.Orig)
}

func TestHistoryRecordsEventsInOrder(t *testing.T) {
	dt := map[Datatype]bool{DatatypeHistory: true}
	tr := New(dt, l4.FiveTuple{}, time.Unix(0, 0), nil)

	tr.Update(mkPdu(true, 10), false)
	tr.History.RecordSessionStart()
	tr.Update(mkPdu(true, 10), true)
	tr.History.RecordSessionEnd()

	assert.Equal(t, []HistoryEvent{HistoryPacket, HistorySessionStart, HistoryReassembled, HistorySessionEnd}, tr.History.Events)
}

func TestPacketListDrainReleasesAndDisables(t *testing.T) {
	dt := map[Datatype]bool{DatatypePacketList: true}
	tr := New(dt, l4.FiveTuple{}, time.Unix(0, 0), nil)

	tr.Update(l4.L4Pdu{Payload: []byte{1}, Dir: true, Mbuf: nil}, false)
	tr.DrainPacketLists()
	assert.Nil(t, tr.OrigPackets.Orig)

	// further updates after drain are no-ops.
	tr.Update(l4.L4Pdu{Payload: []byte{1}, Dir: true}, false)
	assert.Nil(t, tr.OrigPackets.Orig)
}

func TestFiveTupleComponentSnapshotsOnCreation(t *testing.T) {
	tuple := l4.FiveTuple{
		Orig:  netip.MustParseAddrPort("10.0.0.1:1234"),
		Resp:  netip.MustParseAddrPort("10.0.0.2:443"),
		Proto: l4.ProtoTCP,
	}
	dt := map[Datatype]bool{DatatypeFiveTuple: true}
	tr := New(dt, tuple, time.Unix(0, 0), nil)
	assert.Equal(t, tuple, tr.FiveTuple.Tuple)
}

type stubGeo struct {
	country string
	ok      bool
}

func (s stubGeo) Lookup(string) (string, bool) { return s.country, s.ok }

func TestGeoResolvesOnceOnFirstUpdate(t *testing.T) {
	dt := map[Datatype]bool{DatatypeGeo: true}
	tr := New(dt, l4.FiveTuple{}, time.Unix(0, 0), stubGeo{country: "US", ok: true})

	pdu := l4.L4Pdu{Ctx: l4.L4Context{Dst: netip.MustParseAddrPort("1.2.3.4:443")}}
	tr.Update(pdu, false)
	assert.Equal(t, "US", tr.Geo.Country)
}

func TestUnrequestedDatatypesStayNil(t *testing.T) {
	tr := New(map[Datatype]bool{DatatypeCounts: true}, l4.FiveTuple{}, time.Unix(0, 0), nil)
	assert.Nil(t, tr.Timing)
	assert.Nil(t, tr.History)
	assert.Nil(t, tr.Sessions)
}
