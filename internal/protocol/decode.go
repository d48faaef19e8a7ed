package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrBadJSON      = errors.New("malformed json")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// Decode sniffs the envelope type with gjson and unmarshals into the
// concrete inbound struct. Required-field validation happens here so
// handlers can assume well-formed commands.
func Decode(data []byte) (any, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrBadJSON
	}
	typ := gjson.GetBytes(data, "type").String()

	switch typ {
	case TypeJoin:
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrBadJSON
		}
		if m.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId", ErrMissingField)
		}
		return &m, nil
	case TypeLeave:
		var m Leave
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrBadJSON
		}
		if m.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId", ErrMissingField)
		}
		return &m, nil
	case TypeMessage:
		var m Chat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrBadJSON
		}
		if m.Content == "" {
			return nil, fmt.Errorf("%w: content", ErrMissingField)
		}
		return &m, nil
	case TypeAudioStream:
		var m AudioStream
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrBadJSON
		}
		if m.ConferenceID == "" {
			return nil, fmt.Errorf("%w: conferenceId", ErrMissingField)
		}
		return &m, nil
	case TypeVoiceConference:
		var m VoiceConference
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrBadJSON
		}
		switch m.Action {
		case ActionCreate, ActionJoin, ActionLeave, ActionMute, ActionList:
		default:
			return nil, fmt.Errorf("%w: action %q", ErrUnknownType, m.Action)
		}
		return &m, nil
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}
