package pipeline

import "fmt"

// Stage is one step of a turn. A turn moves through the stages in order and
// never overlaps two stages.
type Stage int

const (
	StageResolve Stage = iota
	StageStoreInbound
	StageAssemble
	StageReason
	StageStoreOutbound
	StageBuffer
	StageDone
)

var stageNames = [...]string{
	StageResolve:       "resolve",
	StageStoreInbound:  "store_inbound",
	StageAssemble:      "assemble",
	StageReason:        "reason",
	StageStoreOutbound: "store_outbound",
	StageBuffer:        "buffer",
	StageDone:          "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// MarshalText implements encoding.TextMarshaler so reports carry stage names.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	for i, name := range stageNames {
		if name == string(text) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("pipeline: unknown stage %q", text)
}
