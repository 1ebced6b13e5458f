package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSpec       = errors.New("invalid task spec")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Error is a structural graph failure. It unwraps to one of the sentinel kinds.
type Error struct {
	Kind   error
	TaskID string
	Msg    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func invalidf(taskID string, format string, args ...any) error {
	return &Error{Kind: ErrInvalidSpec, TaskID: taskID, Msg: fmt.Sprintf(format, args...)}
}

func unknownDependency(taskID, dep string) error {
	return &Error{
		Kind:   ErrUnknownDependency,
		TaskID: taskID,
		Msg:    fmt.Sprintf("task %s depends on unknown task %s", taskID, dep),
	}
}

func cycleError(path []string) error {
	msg := "cycle"
	taskID := ""
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
		taskID = path[0]
	}
	return &Error{Kind: ErrCyclicDependency, TaskID: taskID, Msg: msg}
}
