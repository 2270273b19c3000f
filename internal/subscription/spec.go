// Package subscription loads subscription spec files, compiles each
// entry's predicate into the filter package's staged tree, and provides
// the bounded-channel work-dispatch boundary to external callbacks
// (SPEC_FULL.md §4.6, §4.9, §6).
package subscription

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/untangle/flowscope/internal/track"
)

// StreamingCadence is a subscription's optional periodic-delivery rate,
// at most one of which is set.
type StreamingCadence struct {
	Seconds float64
	Packets uint64
	Bytes   uint64
}

// Entry is one parsed line of a subscription spec file, before its filter
// string is compiled and its callback symbol resolved.
type Entry struct {
	Filter    string
	Datatypes []track.Datatype
	Callback  string
	Streaming *StreamingCadence
}

var datatypeNames = map[string]track.Datatype{
	"counts":            track.DatatypeCounts,
	"reassembled_bytes": track.DatatypeReassembledBytes,
	"timing":            track.DatatypeTiming,
	"history":           track.DatatypeHistory,
	"packet_list":       track.DatatypePacketList,
	"five_tuple":        track.DatatypeFiveTuple,
	"sessions":          track.DatatypeSessions,
	"geo":               track.DatatypeGeo,
}

// LoadSpecFile reads a subscription spec file: one entry per non-blank,
// non-`#`-comment line, semicolon-separated `key=value` fields. Example:
//
//	filter=tls.sni = 'example.com'; datatypes=sessions; callback=OnTlsSession
func LoadSpecFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("subscription: open spec file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseEntryLine(line)
		if err != nil {
			return nil, fmt.Errorf("subscription: spec file %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("subscription: reading spec file: %w", err)
	}
	return entries, nil
}

func parseEntryLine(line string) (Entry, error) {
	var entry Entry
	for _, field := range strings.Split(line, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Entry{}, fmt.Errorf("malformed field %q (expected key=value)", field)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "filter":
			entry.Filter = value
		case "callback":
			entry.Callback = value
		case "datatypes":
			for _, name := range strings.Split(value, ",") {
				name = strings.TrimSpace(name)
				dt, ok := datatypeNames[name]
				if !ok {
					return Entry{}, fmt.Errorf("unknown datatype %q", name)
				}
				entry.Datatypes = append(entry.Datatypes, dt)
			}
		case "streaming":
			cadence, err := parseStreaming(value)
			if err != nil {
				return Entry{}, err
			}
			entry.Streaming = cadence
		default:
			return Entry{}, fmt.Errorf("unknown field %q", key)
		}
	}
	if entry.Filter == "" {
		return Entry{}, fmt.Errorf("entry missing required field %q", "filter")
	}
	if entry.Callback == "" {
		return Entry{}, fmt.Errorf("entry missing required field %q", "callback")
	}
	return entry, nil
}

func parseStreaming(value string) (*StreamingCadence, error) {
	k, v, ok := strings.Cut(value, "=")
	if !ok {
		return nil, fmt.Errorf("malformed streaming cadence %q (expected seconds=F|packets=N|bytes=N)", value)
	}
	switch strings.TrimSpace(k) {
	case "seconds":
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("streaming seconds: %w", err)
		}
		return &StreamingCadence{Seconds: f}, nil
	case "packets":
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("streaming packets: %w", err)
		}
		return &StreamingCadence{Packets: n}, nil
	case "bytes":
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("streaming bytes: %w", err)
		}
		return &StreamingCadence{Bytes: n}, nil
	default:
		return nil, fmt.Errorf("unknown streaming cadence kind %q", k)
	}
}
