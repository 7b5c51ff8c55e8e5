package internal

import (
	"errors"
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrQueueFull     = errors.New("send queue full")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrUnknownRole   = errors.New("unknown role")
)

type Message struct {
	Binary bool
	Buffer []byte
}

type Role string

const (
	RoleUnassigned Role = ""
	RoleControl    Role = "control"
	RoleCamera     Role = "camera"
	RoleObserver   Role = "observer"
)

func (r Role) String() string {
	if r == RoleUnassigned {
		return "unassigned"
	}

	return string(r)
}

// ParseRole accepts the canonical role names and the names used by the robot
// firmware and the dashboard.
func ParseRole(s string) (Role, error) {
	switch s {
	case "control", "robot_control":
		return RoleControl, nil
	case "camera", "robot_camera":
		return RoleCamera, nil
	case "observer", "user":
		return RoleObserver, nil
	}

	return RoleUnassigned, ErrUnknownRole
}

type EventType string

const (
	EventTypeAlert EventType = "alert"
)

// Event travels over the cluster channel so every instance can reach its own
// observers.
type Event struct {
	Type    EventType `json:"type"`
	Origin  string    `json:"origin"`
	Binary  bool      `json:"binary"`
	Payload string    `json:"payload"`
}
