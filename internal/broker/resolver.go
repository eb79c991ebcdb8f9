package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

// tradeableSuffixes are decorations brokers append to the raw symbol for
// commission or account-type variants.
var tradeableSuffixes = []string{"+", "m", ".", ".raw", ".pro", ".stp"}

// negativeTTL is how long a failed resolution or an untradable verdict is
// remembered before the symbol is retried.
const negativeTTL = 10 * time.Minute

// Resolver maps canonical symbols to broker-native spellings for one broker
// session. Successful resolutions are memoized for the session lifetime; the
// map only grows, so post-warmup reads race-freely return stable values.
type Resolver struct {
	logger *zap.Logger

	mu       sync.RWMutex
	catalog  map[string]string         // uppercase broker symbol -> exact spelling
	resolved map[string]string         // canonical -> broker spelling
	negative map[string]time.Time      // canonical or canonical|side -> expiry
	clock    func() time.Time
}

// NewResolver indexes a broker's instrument catalogue.
func NewResolver(logger *zap.Logger, instruments []types.Instrument) *Resolver {
	r := &Resolver{
		logger:   logger.Named("resolver"),
		catalog:  make(map[string]string, len(instruments)),
		resolved: make(map[string]string),
		negative: make(map[string]time.Time),
		clock:    time.Now,
	}
	indices, commodities := 0, 0
	for _, ins := range instruments {
		u := strings.ToUpper(ins.BrokerSymbol)
		r.catalog[u] = ins.BrokerSymbol
		switch instrument.Classify(instrument.Canonical(ins.BrokerSymbol)) {
		case instrument.ClassIndex:
			indices++
		case instrument.ClassMetal, instrument.ClassEnergy:
			commodities++
		}
	}
	r.logger.Info("Symbol catalogue indexed",
		zap.Int("symbols", len(r.catalog)),
		zap.Int("indices", indices),
		zap.Int("commodities", commodities))
	return r
}

// Resolve finds the broker spelling for a canonical symbol. The order of
// attempts is deterministic: direct hit, alias spellings, tradeable-suffix
// variants, prefix/substring fuzzy match, bracket-stripped match. Failures
// are cached negatively for ten minutes to avoid retry storms.
func (r *Resolver) Resolve(canonical string) (string, error) {
	r.mu.RLock()
	if hit, ok := r.resolved[canonical]; ok {
		r.mu.RUnlock()
		return hit, nil
	}
	if exp, ok := r.negative[canonical]; ok && r.clock().Before(exp) {
		r.mu.RUnlock()
		return "", NewOrderError(KindSymbolNotFound, 0, fmt.Sprintf("symbol %s not offered by broker (cached)", canonical))
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if hit, ok := r.resolved[canonical]; ok {
		return hit, nil
	}

	for _, candidate := range r.candidates(canonical) {
		if exact, ok := r.catalog[candidate]; ok {
			r.resolved[canonical] = exact
			r.logger.Debug("Symbol resolved", zap.String("canonical", canonical), zap.String("broker", exact))
			return exact, nil
		}
	}

	// Fuzzy pass: prefix first, then substring, then bracket-stripped form.
	compact := strings.ReplaceAll(canonical, "_", "")
	var prefixHit, substrHit, bracketHit string
	for u, exact := range r.catalog {
		stripped := u
		if i := strings.IndexAny(u, "([{"); i > 0 {
			stripped = strings.TrimSpace(u[:i])
		}
		switch {
		case prefixHit == "" && strings.HasPrefix(u, compact):
			prefixHit = exact
		case substrHit == "" && strings.Contains(u, compact):
			substrHit = exact
		case bracketHit == "" && stripped == compact:
			bracketHit = exact
		}
	}
	for _, hit := range []string{prefixHit, substrHit, bracketHit} {
		if hit != "" {
			r.resolved[canonical] = hit
			r.logger.Debug("Symbol resolved fuzzily", zap.String("canonical", canonical), zap.String("broker", hit))
			return hit, nil
		}
	}

	r.negative[canonical] = r.clock().Add(negativeTTL)
	return "", NewOrderError(KindSymbolNotFound, 0, fmt.Sprintf("symbol %s not offered by broker", canonical))
}

// candidates generates exact-spelling attempts in resolution order.
func (r *Resolver) candidates(canonical string) []string {
	compact := strings.ReplaceAll(canonical, "_", "")
	base := []string{canonical, compact, strings.Replace(canonical, "_", "/", 1)}
	for _, alias := range aliasSpellings(canonical) {
		base = append(base, alias)
	}
	out := make([]string, 0, len(base)*(1+len(tradeableSuffixes)))
	for _, b := range base {
		out = append(out, b)
	}
	for _, b := range base {
		for _, suf := range tradeableSuffixes {
			out = append(out, b+strings.ToUpper(suf))
		}
	}
	return out
}

// aliasSpellings returns broker-side names commonly used for a canonical code.
func aliasSpellings(canonical string) []string {
	switch canonical {
	case "XAU_USD":
		return []string{"GOLD", "XAUUSD"}
	case "XAG_USD":
		return []string{"SILVER", "XAGUSD"}
	case "WTI_USD":
		return []string{"USOIL", "WTIUSD", "OIL", "CL"}
	case "BCO_USD":
		return []string{"UKOIL", "BRENT"}
	case "US30":
		return []string{"DJ30", "DOW", "DJI30", "YM"}
	case "NAS100":
		return []string{"USTEC", "US100", "NASDAQ", "NDX100"}
	case "US500":
		return []string{"SPX500", "SP500", "ES"}
	case "DE40":
		return []string{"GER40", "GER30", "DAX", "DAX40", "DE30"}
	case "UK100":
		return []string{"FTSE100", "FTSE"}
	default:
		return nil
	}
}

// Memoized returns the session's canonical→broker map snapshot.
func (r *Resolver) Memoized() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.resolved))
	for k, v := range r.resolved {
		out[k] = v
	}
	return out
}

// MarkUntradable remembers a broker refusal for (symbol, side) for ten
// minutes so the pipeline stops retrying a dead instrument.
func (r *Resolver) MarkUntradable(canonical string, side types.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negative[canonical+"|"+string(side)] = r.clock().Add(negativeTTL)
}

// Untradable reports whether (symbol, side) is inside its refusal window.
func (r *Resolver) Untradable(canonical string, side types.Direction) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.negative[canonical+"|"+string(side)]
	return ok && r.clock().Before(exp)
}

// SetClock overrides the time source. Test hook.
func (r *Resolver) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// SpecCache caches instrument specs per canonical symbol for at least five
// minutes, per adapter session.
type SpecCache struct {
	cache *TTLCache[types.InstrumentSpec]
}

// NewSpecCache creates a spec cache with the given TTL (>= 5 min).
func NewSpecCache(ttl time.Duration) *SpecCache {
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &SpecCache{cache: NewTTLCache[types.InstrumentSpec](ttl)}
}

// Get returns a fresh cached spec.
func (s *SpecCache) Get(sym string) (types.InstrumentSpec, bool) { return s.cache.Get(sym) }

// Put records a spec.
func (s *SpecCache) Put(sym string, spec types.InstrumentSpec) { s.cache.Put(sym, spec) }
