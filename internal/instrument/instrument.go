// Package instrument provides canonical symbol identity, price geometry and
// the price-plausibility guard shared by every broker adapter.
package instrument

import (
	"strings"
)

// Known non-FX short codes. Anything six alphabetic characters long that is
// not listed here is classified as an FX pair.
var (
	indexCodes = map[string]bool{
		"US30": true, "NAS100": true, "US500": true, "SPX500": true,
		"DE40": true, "GER40": true, "UK100": true, "FRA40": true,
		"JP225": true, "AUS200": true, "EU50": true, "HK50": true,
	}
	metalCodes = map[string]bool{
		"XAU_USD": true, "XAG_USD": true, "XPT_USD": true, "XPD_USD": true,
	}
	energyCodes = map[string]bool{
		"WTI_USD": true, "BCO_USD": true, "NATGAS_USD": true,
	}
	cryptoBases = map[string]bool{
		"BTC": true, "ETH": true, "LTC": true, "XRP": true, "SOL": true,
	}
	// Spellings seen across broker catalogues, mapped to canonical form.
	aliases = map[string]string{
		"GOLD":      "XAU_USD",
		"SILVER":    "XAG_USD",
		"XAUUSD":    "XAU_USD",
		"XAGUSD":    "XAG_USD",
		"XPTUSD":    "XPT_USD",
		"XPDUSD":    "XPD_USD",
		"USOIL":     "WTI_USD",
		"WTIUSD":    "WTI_USD",
		"OIL":       "WTI_USD",
		"UKOIL":     "BCO_USD",
		"DJ30":      "US30",
		"DOW":       "US30",
		"US100":     "NAS100",
		"NASDAQ":    "NAS100",
		"NDX100":    "NAS100",
		"USTEC":     "NAS100",
		"SP500":     "US500",
		"SPX500":    "US500",
		"GER30":     "DE40",
		"GER40":     "DE40",
		"DAX":       "DE40",
		"DAX40":     "DE40",
		"FTSE100":   "UK100",
		"CAC40":     "FRA40",
		"NIKKEI225": "JP225",
		"BTCUSD":    "BTC_USD",
		"ETHUSD":    "ETH_USD",
		"BCOUSD":    "BCO_USD",
		"NATGASUSD": "NATGAS_USD",
	}
)

// Canonical normalizes any broker or user spelling of a symbol to the
// orchestrator's single form: "EUR_USD" for FX, short codes for indices and
// commodities. Tradeable suffixes brokers append to their quote symbols
// ("EURUSD+", "EURUSDm", "XAUUSD.raw") are removed. Canonical is idempotent.
func Canonical(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	// Strip separators and broker decoration before classification. "." stays
	// until the tradeable suffixes are handled so ".raw" is not half-eaten.
	for _, sep := range []string{" ", "/", "-", "_", "#", "!"} {
		s = strings.ReplaceAll(s, sep, "")
	}
	s = stripTradeableSuffix(s)
	s = strings.ReplaceAll(s, ".", "")
	if canon, ok := aliases[s]; ok {
		return canon
	}
	if indexCodes[s] {
		return s
	}
	// Already-canonical pairs arrive here with their underscore removed.
	if len(s) == 6 && isAlpha(s) {
		return s[:3] + "_" + s[3:]
	}
	return s
}

// stripTradeableSuffix removes one broker account-type suffix. Longest
// suffixes go first so ".raw" never degrades to a bare "." strip. The micro
// "m" suffix is only removed when the remainder is a recognizable code,
// since currency codes can legitimately end in M.
func stripTradeableSuffix(s string) string {
	for _, suf := range []string{".RAW", ".PRO", ".STP", "+", "."} {
		if strings.HasSuffix(s, suf) && len(s) > len(suf) {
			return strings.TrimSuffix(s, suf)
		}
	}
	if strings.HasSuffix(s, "M") {
		if base := s[:len(s)-1]; knownCode(base) {
			return base
		}
	}
	return s
}

// knownCode reports whether s resolves to a symbol on its own.
func knownCode(s string) bool {
	if _, ok := aliases[s]; ok {
		return true
	}
	if indexCodes[s] {
		return true
	}
	return len(s) == 6 && isAlpha(s)
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Class buckets symbols for geometry and plausibility decisions.
type Class int

const (
	ClassFX Class = iota
	ClassFXJPY
	ClassMetal
	ClassIndex
	ClassEnergy
	ClassCrypto
)

// Classify returns the asset class of a canonical symbol.
func Classify(sym string) Class {
	switch {
	case metalCodes[sym] || strings.HasPrefix(sym, "XAU") || strings.HasPrefix(sym, "XAG") ||
		strings.HasPrefix(sym, "XPT") || strings.HasPrefix(sym, "XPD"):
		return ClassMetal
	case energyCodes[sym] || strings.HasPrefix(sym, "WTI") || strings.HasPrefix(sym, "BCO"):
		return ClassEnergy
	case indexCodes[sym]:
		return ClassIndex
	case strings.Contains(sym, "_") && cryptoBases[sym[:strings.Index(sym, "_")]]:
		return ClassCrypto
	case strings.HasSuffix(sym, "_JPY"):
		return ClassFXJPY
	default:
		return ClassFX
	}
}

// IsFX reports whether the canonical symbol is a currency pair.
func IsFX(sym string) bool {
	c := Classify(sym)
	return c == ClassFX || c == ClassFXJPY
}

// PipSize returns the conventional pip increment of a canonical symbol.
func PipSize(sym string) float64 {
	switch Classify(sym) {
	case ClassFXJPY:
		return 0.01
	case ClassMetal:
		if strings.HasPrefix(sym, "XAG") {
			return 0.01
		}
		return 0.10
	case ClassIndex:
		return 1.0
	case ClassEnergy:
		return 0.01
	case ClassCrypto:
		return 1.0
	default:
		return 0.0001
	}
}

// Decimals returns the display/rounding precision of a canonical symbol.
func Decimals(sym string) int {
	switch Classify(sym) {
	case ClassFXJPY:
		return 3
	case ClassMetal:
		return 2
	case ClassIndex:
		return 1
	case ClassEnergy:
		return 2
	case ClassCrypto:
		return 2
	default:
		return 5
	}
}

// RoundPrice rounds v to the symbol's conventional precision.
func RoundPrice(sym string, v float64) float64 {
	d := Decimals(sym)
	scale := 1.0
	for i := 0; i < d; i++ {
		scale *= 10
	}
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return -float64(int64(-v*scale+0.5)) / scale
}

// PlausibleBounds returns the (low, high) mid-price window outside of which a
// tick is treated as a wrong-symbol resolution rather than a market move.
func PlausibleBounds(sym string) (float64, float64) {
	switch Classify(sym) {
	case ClassFXJPY:
		return 20, 500
	case ClassFX:
		if strings.HasSuffix(sym, "_USD") || strings.HasPrefix(sym, "USD_") ||
			strings.HasSuffix(sym, "_EUR") || strings.HasSuffix(sym, "_GBP") ||
			strings.HasSuffix(sym, "_CHF") || strings.HasSuffix(sym, "_CAD") ||
			strings.HasSuffix(sym, "_AUD") || strings.HasSuffix(sym, "_NZD") {
			return 0.02, 10.0
		}
		// Exotic quote currencies (TRY, ZAR, MXN, SEK...) trade far wider.
		return 0.0001, 100000
	case ClassMetal:
		if strings.HasPrefix(sym, "XAG") {
			return 5, 500
		}
		return 500, 10000
	case ClassIndex:
		return 100, 200000
	case ClassEnergy:
		return 1, 500
	case ClassCrypto:
		return 0.0001, 10000000
	default:
		return 0.0001, 1000000
	}
}
