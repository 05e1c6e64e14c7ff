// Package enrich augments normalized events with geographic, user-agent,
// and hostname metadata. All lookups are bounded: in-memory tables and LRU
// caches, with a per-lookup time budget after which the field is dropped.
package enrich

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/loghive/loghive/pkg/models"
)

//go:embed geo_default.csv
var defaultGeoCSV string

type geoRange struct {
	start netip.Addr
	end   netip.Addr
	info  models.GeoInfo
}

// GeoTable maps IP addresses onto geographic info via sorted,
// non-overlapping ranges. Lookups are read-only after construction.
type GeoTable struct {
	ranges []geoRange
}

// LoadGeoTable reads a range table from a CSV file with columns
// start_ip,end_ip,country,region,city,lat,lon,tz. An empty path loads the
// built-in table.
func LoadGeoTable(path string) (*GeoTable, error) {
	if path == "" {
		ranges, err := parseGeoCSV(strings.NewReader(defaultGeoCSV))
		if err != nil {
			return nil, fmt.Errorf("built-in geo table: %w", err)
		}
		return newGeoTable(ranges), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo table: %w", err)
	}
	defer func() { _ = f.Close() }()

	ranges, err := parseGeoCSV(f)
	if err != nil {
		return nil, fmt.Errorf("geo table %s: %w", path, err)
	}
	return newGeoTable(ranges), nil
}

func newGeoTable(ranges []geoRange) *GeoTable {
	slices.SortFunc(ranges, func(a, b geoRange) int {
		return a.start.Compare(b.start)
	})
	return &GeoTable{ranges: ranges}
}

func parseGeoCSV(r io.Reader) ([]geoRange, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 8
	cr.TrimLeadingSpace = true

	var ranges []geoRange
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		start, err := netip.ParseAddr(rec[0])
		if err != nil {
			// Tolerate a header row.
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("record %d: start ip: %w", line, err)
		}
		end, err := netip.ParseAddr(rec[1])
		if err != nil {
			return nil, fmt.Errorf("record %d: end ip: %w", line, err)
		}
		start, end = start.Unmap(), end.Unmap()
		if end.Less(start) {
			return nil, fmt.Errorf("record %d: range end precedes start", line)
		}

		info := models.GeoInfo{
			Country: rec[2],
			Region:  rec[3],
			City:    rec[4],
			TZ:      rec[7],
		}
		if rec[5] != "" {
			if info.Lat, err = strconv.ParseFloat(rec[5], 64); err != nil {
				return nil, fmt.Errorf("record %d: lat: %w", line, err)
			}
		}
		if rec[6] != "" {
			if info.Lon, err = strconv.ParseFloat(rec[6], 64); err != nil {
				return nil, fmt.Errorf("record %d: lon: %w", line, err)
			}
		}
		ranges = append(ranges, geoRange{start: start, end: end, info: info})
	}
	return ranges, nil
}

// Len reports the number of loaded ranges.
func (t *GeoTable) Len() int {
	return len(t.ranges)
}

// Lookup resolves addr against the table. Loopback, private, and link-local
// addresses never resolve.
func (t *GeoTable) Lookup(addr netip.Addr) (models.GeoInfo, bool) {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return models.GeoInfo{}, false
	}

	// Last range starting at or before addr.
	i := sort.Search(len(t.ranges), func(i int) bool {
		return addr.Less(t.ranges[i].start)
	})
	if i == 0 {
		return models.GeoInfo{}, false
	}
	r := t.ranges[i-1]
	if addr.Compare(r.end) > 0 {
		return models.GeoInfo{}, false
	}
	return r.info, true
}

// LookupString resolves a textual IP, tolerating unparseable input.
func (t *GeoTable) LookupString(ip string) (models.GeoInfo, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return models.GeoInfo{}, false
	}
	return t.Lookup(addr)
}
