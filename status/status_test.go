package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestString(t *testing.T) {
	for _, tc := range []struct {
		s    Status
		want string
	}{
		{Success, "Success"},
		{Invoked, "Invoked"},
		{BadParameter, "Bad Parameter"},
		{ParseError, "Parsing Error"},
		{Failure, "Failure"},
		{Status(42), "Status(42)"},
	} {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Success.Valid() || !Failure.Valid() {
		t.Error("bounds of the status space must be valid")
	}
	if Status(-1).Valid() || Status(20).Valid() {
		t.Error("values outside the status space must be invalid")
	}
}

func TestCloudCode(t *testing.T) {
	if Success.CloudCode() != 0 {
		t.Errorf("Success.CloudCode() = %d, want 0", Success.CloudCode())
	}
	if NotFound.CloudCode() != int(NotFound) {
		t.Errorf("NotFound.CloudCode() = %d, want %d", NotFound.CloudCode(), int(NotFound))
	}
}

func TestCode(t *testing.T) {
	if got := Code(nil); got != Success {
		t.Errorf("Code(nil) = %v, want Success", got)
	}
	if got := Code(errors.New("plain")); got != Failure {
		t.Errorf("Code(plain error) = %v, want Failure", got)
	}
	err := Errorf(TimedOut, "operation timed out after %ds", 30)
	if got := Code(err); got != TimedOut {
		t.Errorf("Code(status error) = %v, want TimedOut", got)
	}
	if got := Code(fmt.Errorf("wrapped: %w", err)); got != TimedOut {
		t.Errorf("Code(wrapped status error) = %v, want TimedOut", got)
	}
	if err.Error() != "operation timed out after 30s" {
		t.Errorf("Error() = %q", err.Error())
	}
}
