package track

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindLookup resolves country codes from a GeoLite2-City database,
// adapted from the teacher's geoip plugin (which opened the same mmdb
// and looked up ISO country codes for client/server addresses).
type MaxMindLookup struct {
	db *geoip2.Reader
}

// OpenMaxMindLookup opens the mmdb at path. Callers should Close it on
// shutdown.
func OpenMaxMindLookup(path string) (*MaxMindLookup, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindLookup{db: db}, nil
}

func (m *MaxMindLookup) Close() error { return m.db.Close() }

// Lookup resolves addr (a dotted-quad or IPv6 literal) to an ISO country
// code. Matches the teacher's "XX" unknown-country convention by
// reporting ok=false when no record or no country is found.
func (m *MaxMindLookup) Lookup(addr string) (string, bool) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", false
	}
	record, err := m.db.City(ip)
	if err != nil || len(record.Country.IsoCode) == 0 {
		return "", false
	}
	return record.Country.IsoCode, true
}
