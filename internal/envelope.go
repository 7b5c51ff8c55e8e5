package internal

import (
	"encoding/json"
	"fmt"
	"math"
)

type Kind string

const (
	KindRegister   Kind = "register"
	KindImageStart Kind = "img_start"
	KindImageEnd   Kind = "img_end"
	KindControl    Kind = "control"
	KindSensor     Kind = "sensor"
	KindAlert      Kind = "alert"
)

// Envelope is one decoded text message. The set of implementations is closed;
// anything with an unrecognised type decodes to Unknown.
type Envelope interface {
	Kind() Kind
}

type Register struct {
	Role string
}

type ImageStart struct {
	Len int
}

type ImageEnd struct{}

// Control, Sensor and Alert keep the raw text so it can be relayed
// without re-encoding.
type Control struct {
	Cmd string
	Val json.RawMessage
	Raw []byte
}

type Sensor struct {
	Raw []byte
}

type Alert struct {
	Raw []byte
}

type Unknown struct {
	Type string
}

func (Register) Kind() Kind   { return KindRegister }
func (ImageStart) Kind() Kind { return KindImageStart }
func (ImageEnd) Kind() Kind   { return KindImageEnd }
func (Control) Kind() Kind    { return KindControl }
func (Sensor) Kind() Kind     { return KindSensor }
func (Alert) Kind() Kind      { return KindAlert }
func (u Unknown) Kind() Kind  { return Kind(u.Type) }

type header struct {
	Type string `json:"type"`
}

type registerFields struct {
	Role string `json:"role"`
}

type imageStartFields struct {
	Len *float64 `json:"len"`
}

type controlFields struct {
	Cmd string          `json:"cmd"`
	Val json.RawMessage `json:"val"`
}

// ParseEnvelope decodes the type first and only then the fields that type
// needs, so free-form sensor and alert payloads never fail on field shapes.
func ParseEnvelope(raw []byte) (Envelope, error) {
	h := header{}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch Kind(h.Type) {
	case KindRegister:
		f := registerFields{}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("malformed register: %w", err)
		}

		return Register{Role: f.Role}, nil
	case KindImageStart:
		f := imageStartFields{}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("malformed img_start: %w", err)
		}

		n := 0
		if f.Len != nil && *f.Len > 0 {
			n = math.MaxInt32
			if *f.Len < math.MaxInt32 {
				n = int(*f.Len)
			}
		}

		return ImageStart{Len: n}, nil
	case KindImageEnd:
		return ImageEnd{}, nil
	case KindControl:
		// the command is relayed verbatim even if its fields are unusual
		f := controlFields{}
		_ = json.Unmarshal(raw, &f)
		return Control{Cmd: f.Cmd, Val: f.Val, Raw: raw}, nil
	case KindSensor:
		return Sensor{Raw: raw}, nil
	case KindAlert:
		return Alert{Raw: raw}, nil
	}

	return Unknown{Type: h.Type}, nil
}
