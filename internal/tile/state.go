package tile

// State is the lifecycle state of a tile. Transitions only move forward,
// except that any state may move to Obsolete, which is terminal.
type State int32

const (
	Invalid State = iota
	Initial
	Loading
	Loaded
	Parsed
	Obsolete
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Initial:
		return "initial"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Parsed:
		return "parsed"
	case Obsolete:
		return "obsolete"
	default:
		return "unknown"
	}
}
