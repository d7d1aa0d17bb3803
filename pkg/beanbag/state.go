package beanbag

import (
	"encoding/json"
)

// Item is a single item/value pair within the thermostat state block.
// The same shape is used when building write commands and when decoding
// read results and push notifications.
type Item struct {
	ID    int `json:"I"`
	Value int `json:"V"`
	OT    int `json:"OT"` // operation type: OpSet or OpTimedHold
	D     int `json:"D"`  // duration in minutes for OpTimedHold
}

// State is a flat snapshot of the thermostat. It is populated wholesale by
// ParseState and mutated field-by-field by ApplyItem. Pointer fields are
// nil while the corresponding item has not been seen or decoded to a
// plausible value.
type State struct {
	HVACMode       string // "off", "heat"; empty when unknown
	Preset         string // "none", "away", "home"; empty when unknown
	TargetC        *float64
	AmbientC       *float64
	HumidityPct    *int
	NextChangeMins *int
	NextTargetC    *float64
	FrostC         *float64

	primed bool
}

// Primed reports whether the snapshot has been populated by a full state
// read. ApplyItem refuses to mutate an unprimed snapshot.
func (s *State) Primed() bool {
	return s != nil && s.primed
}

func setTempField(dst **float64, v int) bool {
	nv := DeciToC(v)
	if *dst != nil && **dst == nv {
		return false
	}
	*dst = &nv
	return true
}

// setProbeField applies a plausibility bound before conversion. Some
// firmware revisions report probe values outside any sane deci-degree
// range; those decode to unknown rather than a nonsensical temperature.
func setProbeField(dst **float64, v int) bool {
	if v < -500 || v > 5000 {
		if *dst == nil {
			return false
		}
		*dst = nil
		return true
	}
	return setTempField(dst, v)
}

func setIntField(dst **int, v int) bool {
	if *dst != nil && **dst == v {
		return false
	}
	nv := v
	*dst = &nv
	return true
}

func setHVACField(s *State, v int) bool {
	var nv string
	switch v {
	case 0:
		nv = "off"
	case 1:
		nv = "heat"
	}
	if s.HVACMode == nv {
		return false
	}
	s.HVACMode = nv
	return true
}

func setPresetField(s *State, v int) bool {
	var nv string
	switch v {
	case 0:
		nv = "none"
	case 1:
		nv = "away"
	case 2:
		nv = "home"
	}
	if s.Preset == nv {
		return false
	}
	s.Preset = nv
	return true
}

// itemTable maps every known item id to its snapshot field and decoding
// rule. Write commands address the same ids with the inverse encoding
// (CToDeci for temperature items); the table is the single source of
// truth for both directions.
var itemTable = map[int]func(s *State, v int) bool{
	ItemTarget:     func(s *State, v int) bool { return setTempField(&s.TargetC, v) },
	ItemAmbient:    func(s *State, v int) bool { return setProbeField(&s.AmbientC, v) },
	ItemHVAC:       setHVACField,
	ItemPreset:     setPresetField,
	ItemHumidity:   func(s *State, v int) bool { return setIntField(&s.HumidityPct, v) },
	ItemNextTime:   func(s *State, v int) bool { return setIntField(&s.NextChangeMins, v) },
	ItemNextTarget: func(s *State, v int) bool { return setTempField(&s.NextTargetC, v) },
	ItemFrost:      func(s *State, v int) bool { return setTempField(&s.FrostC, v) },
}

// stateItemBlock is one block of a full state read result:
// {"I":<slot>,"SI":<block>,"V":[{I,V,OT,D},...],"S":0}.
type stateItemBlock struct {
	Slot  int    `json:"I"`
	SI    int    `json:"SI"`
	Items []Item `json:"V"`
	S     int    `json:"S"`
}

type stateReadResult struct {
	Blocks []stateItemBlock `json:"V"`
}

// ParseState normalizes a full state read result (the R payload of a 3/1
// reply) into a snapshot. Only the thermostat state block is decoded;
// unknown item ids are ignored.
func ParseState(result json.RawMessage) State {
	var s State
	s.primed = true

	var r stateReadResult
	if err := json.Unmarshal(result, &r); err != nil {
		return s
	}
	for _, block := range r.Blocks {
		if block.SI != StateBlock {
			continue
		}
		for _, it := range block.Items {
			if apply, ok := itemTable[it.ID]; ok {
				apply(&s, it.Value)
			}
		}
	}
	return s
}

// ApplyItem merges one incremental item change into the snapshot and
// reports whether anything changed. A snapshot that has not been primed
// by a full read is never mutated; pre-baseline notifications are
// discarded.
func (s *State) ApplyItem(it Item) bool {
	if s == nil || !s.primed {
		return false
	}
	apply, ok := itemTable[it.ID]
	if !ok {
		return false
	}
	return apply(s, it.Value)
}

// Notification is a decoded push frame for the thermostat state block.
type Notification struct {
	Block int
	Slot  int
	Item  Item
}

// ParseNotify extracts the state-block item change from a push frame.
// It returns false for frames addressing other blocks or with an
// unexpected payload shape; those are passed through to listeners
// unmodified for forward extension.
func ParseNotify(env *Envelope) (*Notification, bool) {
	if env == nil || env.Kind() != KindNotify || len(env.P) != 2 {
		return nil, false
	}
	var header struct {
		SI int `json:"SI"`
	}
	if err := json.Unmarshal(env.P[0], &header); err != nil {
		return nil, false
	}
	if header.SI != StateBlock {
		return nil, false
	}
	var body []json.RawMessage
	if err := json.Unmarshal(env.P[1], &body); err != nil || len(body) != 2 {
		return nil, false
	}
	n := &Notification{Block: header.SI}
	if err := json.Unmarshal(body[0], &n.Slot); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(body[1], &n.Item); err != nil {
		return nil, false
	}
	return n, true
}
