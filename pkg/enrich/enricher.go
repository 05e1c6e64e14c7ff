package enrich

import (
	"context"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mssola/useragent"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/models"
)

// rdnsCacheSize bounds resolved (and failed) reverse lookups.
const rdnsCacheSize = 1024

// Enricher fills geo, user_agent, and host on events in place. It runs on
// the normalizer worker, so every lookup is bounded; a lookup that blows
// its budget is abandoned and the field stays empty.
type Enricher struct {
	cfg      *config.EnrichConfig
	geo      *GeoTable
	uaCache  *lru.Cache[string, models.UserAgentInfo]
	rdns     *lru.Cache[string, string]
	resolver *net.Resolver
}

// New loads the geo table and builds the caches.
func New(cfg *config.EnrichConfig) (*Enricher, error) {
	geo, err := LoadGeoTable(cfg.GeoTablePath)
	if err != nil {
		return nil, err
	}
	uaCache, err := lru.New[string, models.UserAgentInfo](cfg.UACacheSize)
	if err != nil {
		return nil, err
	}
	rdns, err := lru.New[string, string](rdnsCacheSize)
	if err != nil {
		return nil, err
	}
	return &Enricher{
		cfg:      cfg,
		geo:      geo,
		uaCache:  uaCache,
		rdns:     rdns,
		resolver: &net.Resolver{},
	}, nil
}

// Enrich augments ev. Idempotent: fields already present are left alone.
func (e *Enricher) Enrich(ctx context.Context, ev *models.LogEvent) {
	if ev.IngestTime.IsZero() {
		ev.IngestTime = time.Now().UTC()
	}

	if ev.Geo == nil && ev.PeerIP != "" {
		start := time.Now()
		if info, ok := e.geo.LookupString(ev.PeerIP); ok && time.Since(start) <= e.cfg.LookupBudget {
			ev.Geo = &info
		}
	}

	if ev.UserAgent == nil {
		if raw := rawUserAgent(ev); raw != "" {
			start := time.Now()
			info := e.parseUserAgent(raw)
			if (info.Browser != "" || info.OS != "") && time.Since(start) <= e.cfg.LookupBudget {
				ev.UserAgent = &info
			}
		}
	}

	if e.cfg.RDNSEnabled && ev.Host == "" && ev.PeerIP != "" {
		ev.Host = e.reverseLookup(ctx, ev.PeerIP)
	}
}

// rawUserAgent pulls the unparsed user-agent string out of event metadata.
func rawUserAgent(ev *models.LogEvent) string {
	for _, key := range []string{"user_agent", "ua"} {
		if v, ok := ev.Metadata[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func (e *Enricher) parseUserAgent(raw string) models.UserAgentInfo {
	if info, ok := e.uaCache.Get(raw); ok {
		return info
	}

	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	info := models.UserAgentInfo{
		Browser: browser,
		OS:      ua.OS(),
		Device:  deviceClass(ua),
	}
	e.uaCache.Add(raw, info)
	return info
}

func deviceClass(ua *useragent.UserAgent) string {
	switch {
	case ua.Bot():
		return "bot"
	case ua.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}

// reverseLookup resolves ip to its first PTR name, caching results and
// failures. Failures are silent: the event just keeps an empty host.
func (e *Enricher) reverseLookup(ctx context.Context, ip string) string {
	if host, ok := e.rdns.Get(ip); ok {
		return host
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RDNSTimeout)
	defer cancel()

	names, err := e.resolver.LookupAddr(ctx, ip)
	host := ""
	if err == nil && len(names) > 0 {
		host = strings.TrimSuffix(names[0], ".")
	}
	e.rdns.Add(ip, host)
	return host
}
