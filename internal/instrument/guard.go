package instrument

import (
	"fmt"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

// validWindow is how long a previously accepted mid stays usable as a
// reference for the ratio check.
const validWindow = time.Hour

// Guard rejects ticks that look like a wrong broker-side symbol resolution:
// mids outside the class bounds, crossed or absurdly wide spreads, or a jump
// of several multiples against the last accepted mid. Rejection never writes
// to the reference cache, so the guard is idempotent.
type Guard struct {
	logger *zap.Logger
	mu     sync.Mutex
	last   map[string]lastMid
	clock  func() time.Time
}

type lastMid struct {
	mid float64
	at  time.Time
}

// NewGuard creates a tick plausibility guard.
func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{
		logger: logger.Named("tick-guard"),
		last:   make(map[string]lastMid),
		clock:  time.Now,
	}
}

// Check validates a tick for the canonical symbol. A nil return means the
// tick was accepted and recorded as the new reference mid.
func (g *Guard) Check(sym string, tick types.Tick) error {
	if tick.Bid <= 0 || tick.Ask <= 0 {
		return fmt.Errorf("tick guard %s: non-positive price bid=%.5f ask=%.5f", sym, tick.Bid, tick.Ask)
	}
	if tick.Ask < tick.Bid {
		return fmt.Errorf("tick guard %s: crossed quote bid=%.5f ask=%.5f", sym, tick.Bid, tick.Ask)
	}

	mid := tick.Mid()
	maxSpreadRatio := 0.20
	if IsFX(sym) {
		maxSpreadRatio = 0.05
	}
	if tick.Spread()/mid > maxSpreadRatio {
		return fmt.Errorf("tick guard %s: spread %.5f exceeds %.0f%% of mid %.5f",
			sym, tick.Spread(), maxSpreadRatio*100, mid)
	}

	low, high := PlausibleBounds(sym)
	if mid < low || mid > high {
		return fmt.Errorf("tick guard %s: mid %.5f outside plausible bounds [%g,%g] (broker mismatch?)",
			sym, mid, low, high)
	}

	maxRatio := 6.0
	if IsFX(sym) {
		maxRatio = 3.0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[sym]; ok && g.clock().Sub(prev.at) <= validWindow {
		ratio := mid / prev.mid
		if ratio < 1 {
			ratio = 1 / ratio
		}
		if ratio > maxRatio {
			return fmt.Errorf("tick guard %s: mid %.5f is %.1fx the last valid mid %.5f", sym, mid, ratio, prev.mid)
		}
	}
	g.last[sym] = lastMid{mid: mid, at: g.clock()}
	return nil
}

// SetClock overrides the time source. Test hook.
func (g *Guard) SetClock(clock func() time.Time) { g.clock = clock }
