package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// TileURL expands a tile URL template. Supported placeholders are {z}, {x},
// {y}, {prefix} (two hex digits derived from x and y, for sharded hosts) and
// {ratio} ("@2x" for high-density tiles).
func TileURL(template string, t maptile.Tile, retina bool) string {
	ratio := ""
	if retina {
		ratio = "@2x"
	}
	prefix := fmt.Sprintf("%x%x", t.X%16, t.Y%16)
	return strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(t.Z), 10),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
		"{prefix}", prefix,
		"{ratio}", ratio,
	).Replace(template)
}
