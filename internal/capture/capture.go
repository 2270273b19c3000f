// Package capture provides the two packet sources a pipeline worker reads
// from: live interface capture and offline pcap-file replay
// (SPEC_FULL.md §4.8), grounded on the capture-engine pattern in the
// examples pack (inactive-handle configure-then-activate, BPF filter,
// gopacket.PacketSource loop, handle.Stats() for drop counting).
package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// Source is the interface pipeline workers read packets from.
type Source interface {
	// Packets returns the channel of decoded packets; it is closed at
	// end-of-capture (offline) or on Close (online).
	Packets() <-chan gopacket.Packet
	// Stats reports packets received and packets dropped at the capture
	// layer (kernel ring-buffer drops for Online; always 0 for Offline).
	Stats() (received, dropped uint64)
	// Close releases the underlying handle.
	Close()
}

// OnlineConfig configures a live interface capture.
type OnlineConfig struct {
	Interface   string
	BPFFilter   string
	SnapLen     int
	Promiscuous bool
	Timeout     time.Duration
}

// OnlineSource captures live traffic from a named interface via libpcap.
type OnlineSource struct {
	handle  *pcap.Handle
	packets chan gopacket.Packet
	done    chan struct{}
}

// NewOnlineSource opens and activates a live capture handle, following
// the inactive-handle configure-then-activate sequence: set snaplen,
// promiscuous mode and read timeout before Activate, then apply the BPF
// filter once the handle is live.
func NewOnlineSource(cfg OnlineConfig) (*OnlineSource, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("capture: inactive handle: %w", err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("capture: set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("capture: set promiscuous: %w", err)
	}
	if err := inactive.SetTimeout(cfg.Timeout); err != nil {
		return nil, fmt.Errorf("capture: set timeout: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("capture: activate: %w", err)
	}

	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: set BPF filter: %w", err)
		}
	}

	src := &OnlineSource{
		handle:  handle,
		packets: make(chan gopacket.Packet, 1024),
		done:    make(chan struct{}),
	}
	go src.run()
	return src, nil
}

func (s *OnlineSource) run() {
	defer close(s.packets)
	packetSource := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		select {
		case <-s.done:
			return
		case packet, ok := <-packetSource.Packets():
			if !ok {
				return
			}
			select {
			case s.packets <- packet:
			case <-s.done:
				return
			}
		}
	}
}

func (s *OnlineSource) Packets() <-chan gopacket.Packet { return s.packets }

func (s *OnlineSource) Stats() (received, dropped uint64) {
	stats, err := s.handle.Stats()
	if err != nil {
		return 0, 0
	}
	return uint64(stats.PacketsReceived), uint64(stats.PacketsDropped)
}

func (s *OnlineSource) Close() {
	close(s.done)
	s.handle.Close()
}

// OfflineSource replays a pcap file for deterministic tests and the
// end-to-end scenarios of SPEC_FULL.md §8.
type OfflineSource struct {
	handle  *pcapgo.Reader
	file    *os.File
	packets chan gopacket.Packet
	read    uint64
}

// NewOfflineSource opens path and starts replaying it into Packets().
func NewOfflineSource(path string) (*OfflineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open pcap %s: %w", path, err)
	}
	reader, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: pcap header %s: %w", path, err)
	}

	src := &OfflineSource{
		handle:  reader,
		file:    f,
		packets: make(chan gopacket.Packet, 256),
	}
	go src.run()
	return src, nil
}

func (s *OfflineSource) run() {
	defer close(s.packets)
	defer s.file.Close()
	for {
		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			return
		}
		s.read++
		packet := gopacket.NewPacket(data, s.handle.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		m := packet.Metadata()
		m.CaptureInfo = ci
		s.packets <- packet
	}
}

func (s *OfflineSource) Packets() <-chan gopacket.Packet { return s.packets }

// Stats reports packets read; offline replay never drops.
func (s *OfflineSource) Stats() (received, dropped uint64) { return s.read, 0 }

func (s *OfflineSource) Close() {}
