package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"towerdrop/broker/internal/lighting"
)

// Kind names a viewer command.
type Kind string

const (
	KindRotate   Kind = "rotate"
	KindReset    Kind = "reset"
	KindLighting Kind = "lighting"
)

// Direction is the rotate command's sense.
type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

var (
	ErrEmptyPayload   = errors.New("empty command payload")
	ErrMissingClient  = errors.New("command missing client id")
	ErrUnknownKind    = errors.New("unknown command type")
	ErrMissingPatch   = errors.New("lighting command missing patch")
	ErrBadDirection   = errors.New("rotate direction must be left or right")
	ErrBadSequenceID  = errors.New("command sequence id must be positive")
	ErrBadRotateSteps = errors.New("rotate steps out of range")
)

// Command is a viewer request applied between simulation steps.
type Command struct {
	Type       Kind            `json:"type"`
	ClientID   string          `json:"client_id"`
	SequenceID uint64          `json:"sequence_id"`
	SentAtMs   int64           `json:"sent_at_ms,omitempty"`
	Direction  Direction       `json:"direction,omitempty"`
	Steps      int             `json:"steps,omitempty"`
	Lighting   *lighting.Patch `json:"lighting,omitempty"`
}

// SentAt converts the optional capture timestamp; zero means unset.
func (c Command) SentAt() time.Time {
	if c.SentAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.SentAtMs)
}

// RotationSteps returns the signed number of rotation increments. Left turns the tower
// toward negative angles.
func (c Command) RotationSteps() int {
	steps := c.Steps
	if steps == 0 {
		steps = 1
	}
	if c.Direction == DirectionLeft {
		return -steps
	}
	return steps
}

// DecodeCommand parses and structurally checks a JSON command.
func DecodeCommand(raw []byte) (Command, error) {
	return DecodeCommandFor(raw, "")
}

// DecodeCommandFor decodes a command received over an authenticated connection. A non-empty
// clientID replaces whatever the payload claims.
func DecodeCommandFor(raw []byte, clientID string) (Command, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Command{}, ErrEmptyPayload
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if id := strings.TrimSpace(clientID); id != "" {
		cmd.ClientID = id
	}
	cmd.Type = Kind(strings.ToLower(strings.TrimSpace(string(cmd.Type))))
	cmd.Direction = Direction(strings.ToLower(strings.TrimSpace(string(cmd.Direction))))
	if err := cmd.Check(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Check validates required fields for the command type.
func (c Command) Check() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return ErrMissingClient
	}
	if c.SequenceID == 0 {
		return ErrBadSequenceID
	}
	switch c.Type {
	case KindRotate:
		if c.Direction != DirectionLeft && c.Direction != DirectionRight {
			return ErrBadDirection
		}
		if c.Steps < 0 {
			return ErrBadRotateSteps
		}
	case KindReset:
	case KindLighting:
		if c.Lighting == nil || c.Lighting.IsEmpty() {
			return ErrMissingPatch
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Type)
	}
	return nil
}
