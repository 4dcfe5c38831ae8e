package canvas

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var palette = []string{
	"#ffffff", "#e4e4e4", "#888888", "#222222",
	"#ffa7d1", "#e50000", "#e59500", "#a06a42",
	"#e5d900", "#94e044", "#02be01", "#00d3dd",
	"#0083c7", "#0000ea", "#cf6ee4", "#820080",
	"#ffd635", "#ff4500", "#00a368", "#7eed56",
}

var paletteSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(palette))
	for _, c := range palette {
		set[c] = struct{}{}
	}
	return set
}()

// Palette returns a copy of the fixed colour palette.
func Palette() []string {
	return append([]string(nil), palette...)
}

// NormalizeColor lower-cases a colour and reports whether it belongs to the palette.
func NormalizeColor(color string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(color))
	_, ok := paletteSet[normalized]
	return normalized, ok
}

// NormalizeAddress validates a hex wallet address and returns its lower-cased
// canonical form.
func NormalizeAddress(address string) (string, bool) {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), true
}
