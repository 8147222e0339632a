package tile

import "fmt"

type State int

const (
	Configuring State = iota
	Populating
	Recording
	TearingDown
	Done
)

func (s State) String() string {
	switch s {
	case Configuring:
		return "CONFIGURING"
	case Populating:
		return "POPULATING"
	case Recording:
		return "RECORDING"
	case TearingDown:
		return "TEARING_DOWN"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
