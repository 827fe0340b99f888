package playback

import (
	"fmt"

	"Murmur/pkg/errors"
)

// Phase is the arbiter's playback phase. Together with the active token it
// is the only state the arbiter keeps about what is playing.
type Phase int

const (
	Idle Phase = iota
	Starting
	Playing
	Paused
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrTransitionRejected is returned for commands the current phase does not allow.
var ErrTransitionRejected = errors.Sentinel(errors.KindInvalidTransition)

// 状态转移表：切换曲目时总是先经过 Idle（释放旧句柄），再进入 Starting
var transitions = map[Phase]map[Phase]bool{
	Idle:     {Starting: true, Idle: true},
	Starting: {Playing: true, Idle: true},
	Playing:  {Paused: true, Idle: true},
	Paused:   {Playing: true, Idle: true},
}

func canTransition(from, to Phase) bool {
	return transitions[from][to]
}

func rejected(op string, from Phase) error {
	return errors.NewKind(errors.KindInvalidTransition, fmt.Sprintf("playback: %s not allowed while %s", op, from))
}
