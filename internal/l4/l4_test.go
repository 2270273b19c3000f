package l4

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func addrPort(ip string, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(ip), port)
}

func TestConnIdSymmetric(t *testing.T) {
	a := addrPort("10.0.0.1", 1234)
	b := addrPort("10.0.0.2", 443)

	id1 := NewConnId(a, b, ProtoTCP)
	id2 := NewConnId(b, a, ProtoTCP)
	assert.Equal(t, id1, id2, "ConnId must be symmetric regardless of argument order")
}

func TestFiveTupleConnIdRoundTrip(t *testing.T) {
	orig := addrPort("192.168.1.5", 55000)
	resp := addrPort("93.184.216.34", 443)
	ft := FiveTuple{Orig: orig, Resp: resp, Proto: ProtoTCP}

	fromFt := ft.ConnId()
	fromRaw := NewConnId(ft.Resp, ft.Orig, ft.Proto)
	assert.Equal(t, fromFt, fromRaw)
}

func TestDirectionality(t *testing.T) {
	orig := addrPort("1.1.1.1", 1111)
	resp := addrPort("2.2.2.2", 2222)
	ft := FiveTuple{Orig: orig, Resp: resp, Proto: ProtoTCP}

	assert.True(t, Dir(ft, L4Context{Src: orig, Dst: resp}))
	assert.False(t, Dir(ft, L4Context{Src: resp, Dst: orig}))
}

func TestConnIdDifferentProtoDiffers(t *testing.T) {
	a := addrPort("10.0.0.1", 53)
	b := addrPort("10.0.0.2", 12345)
	idTCP := NewConnId(a, b, ProtoTCP)
	idUDP := NewConnId(a, b, ProtoUDP)
	assert.NotEqual(t, idTCP, idUDP)
}
