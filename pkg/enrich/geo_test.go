package enrich

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func TestLoadGeoTableBuiltin(t *testing.T) {
	table, err := LoadGeoTable("")
	require.NoError(t, err)
	require.Greater(t, table.Len(), 0)

	info, ok := table.LookupString("192.0.2.10")
	require.True(t, ok)
	assert.Equal(t, "US", info.Country)
	assert.Equal(t, "New York", info.City)

	info, ok = table.LookupString("2001:db8::42")
	require.True(t, ok)
	assert.Equal(t, "NL", info.Country)
}

func TestLoadGeoTableFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.csv")
	data := "start_ip,end_ip,country,region,city,lat,lon,tz\n" +
		"10.0.0.0,10.0.0.255,XX,,Nowhere,,,UTC\n" +
		"100.64.0.0,100.64.0.255,FR,IDF,Paris,48.8566,2.3522,Europe/Paris\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	table, err := LoadGeoTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	info, ok := table.LookupString("100.64.0.7")
	require.True(t, ok)
	assert.Equal(t, "Paris", info.City)
	assert.InDelta(t, 48.8566, info.Lat, 0.0001)
}

func TestLoadGeoTableRejectsBadData(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"inverted range", "1.2.3.9,1.2.3.1,XX,,,,,UTC\n"},
		{"bad end ip", "1.2.3.1,not-an-ip,XX,,,,,UTC\n"},
		{"bad latitude", "1.2.3.1,1.2.3.9,XX,,,north,,UTC\n"},
		{"wrong field count", "1.2.3.1,1.2.3.9,XX\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "geo.csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := LoadGeoTable(path)
			require.Error(t, err)
		})
	}
}

func TestGeoLookupSkipsNonRoutable(t *testing.T) {
	table, err := LoadGeoTable("")
	require.NoError(t, err)

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "fe80::1", "fd00::1", "::1", "0.0.0.0"} {
		_, ok := table.LookupString(ip)
		assert.False(t, ok, "expected no geo for %s", ip)
	}

	_, ok := table.LookupString("not an ip")
	assert.False(t, ok)
}

func TestGeoLookupBoundaries(t *testing.T) {
	table := newGeoTable([]geoRange{
		{start: netip.MustParseAddr("5.5.5.0"), end: netip.MustParseAddr("5.5.5.9"), info: models.GeoInfo{Country: "A"}},
		{start: netip.MustParseAddr("5.5.5.20"), end: netip.MustParseAddr("5.5.5.29"), info: models.GeoInfo{Country: "B"}},
	})

	for ip, want := range map[string]string{
		"5.5.5.0":  "A",
		"5.5.5.9":  "A",
		"5.5.5.20": "B",
		"5.5.5.29": "B",
	} {
		info, ok := table.LookupString(ip)
		require.True(t, ok, ip)
		assert.Equal(t, want, info.Country, ip)
	}

	for _, ip := range []string{"5.5.4.255", "5.5.5.10", "5.5.5.19", "5.5.5.30"} {
		_, ok := table.LookupString(ip)
		assert.False(t, ok, ip)
	}
}
