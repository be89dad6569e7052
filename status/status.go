// Package status defines the client's internal status space and its
// translation to cloud error codes.
package status

import (
	"errors"
	"fmt"
)

// Status is a result code shared by the client API, action handlers and
// file transfers.
type Status int

const (
	Success Status = iota
	Invoked
	BadParameter
	BadRequest
	ExecutionError
	Exists
	FileOpenFailed
	Full
	IOError
	NoMemory
	NoPermission
	NotExecutable
	NotFound
	NotInitialized
	OutOfRange
	ParseError
	TimedOut
	TryAgain
	NotSupported
	Failure
)

var strings = map[Status]string{
	Success:        "Success",
	Invoked:        "Invoked",
	BadParameter:   "Bad Parameter",
	BadRequest:     "Bad Request",
	ExecutionError: "Execution Error",
	Exists:         "Already Exists",
	FileOpenFailed: "File Open Failed",
	Full:           "Full",
	IOError:        "I/O Error",
	NoMemory:       "Out of Memory",
	NoPermission:   "No Permission",
	NotExecutable:  "Not Executable",
	NotFound:       "Not Found",
	NotInitialized: "Not Initialized",
	OutOfRange:     "Out of Range",
	ParseError:     "Parsing Error",
	TimedOut:       "Timed Out",
	TryAgain:       "Try Again",
	NotSupported:   "Not Supported",
	Failure:        "Failure",
}

func (s Status) String() string {
	if v, ok := strings[s]; ok {
		return v
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is inside the defined status space.
func (s Status) Valid() bool {
	return s >= Success && s <= Failure
}

// CloudCode returns the cloud error code for s. The mapping is the
// identity except that Success is 0 on both sides.
func (s Status) CloudCode() int {
	return int(s)
}

// Error is an error carrying a status code.
type Error struct {
	Status Status
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Status.String()
	}
	return e.Msg
}

// Errorf returns an error carrying the given status code.
func Errorf(s Status, format string, v ...interface{}) error {
	return &Error{Status: s, Msg: fmt.Sprintf(format, v...)}
}

// Code extracts the status carried by err. A nil error is Success, an
// error without an embedded status is Failure.
func Code(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return Failure
}
