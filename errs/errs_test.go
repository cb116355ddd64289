package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesDetails(t *testing.T) {
	err := New(
		"session/login",
		CodeLoginFailed,
		WithMessage("login failed on every session channel"),
		WithDetails(map[string]string{
			"Connection_2/Channel_2": "login timeout",
			"Connection_1/Channel_1": "login rejected",
		}),
		WithDetail("attempts", "2"),
		WithRemediation("verify provider credentials"),
		WithCause(errors.New("deadline exceeded")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=session/login") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=login_failed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expected := "details=Connection_1/Channel_1=\"login rejected\",Connection_2/Channel_2=\"login timeout\",attempts=\"2\""
	if !strings.Contains(out, expected) {
		t.Fatalf("expected sorted details %q in error string: %s", expected, out)
	}
	if !strings.Contains(out, "remediation=\"verify provider credentials\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"deadline exceeded\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithDetailsMerge(t *testing.T) {
	err := New(
		"session/submit",
		CodeUnknownServiceName,
		WithDetails(map[string]string{"service": "A"}),
		WithDetails(map[string]string{"service": "B", " ": "ignored"}),
	)

	if got := err.Details["service"]; got != "B" {
		t.Fatalf("expected latest detail to win, got %q", got)
	}
	if len(err.Details) != 1 {
		t.Fatalf("expected blank keys to be skipped, got %v", err.Details)
	}
}

func TestIsCodeFollowsWrapChain(t *testing.T) {
	base := New("session/submit", CodeUnknownServiceID, WithMessage("service id 7 is not recognized"))
	wrapped := fmt.Errorf("submit: %w", base)

	if !IsCode(wrapped, CodeUnknownServiceID) {
		t.Fatal("expected wrapped envelope to match its code")
	}
	if IsCode(wrapped, CodeUnknownServiceName) {
		t.Fatal("expected mismatched code to be rejected")
	}
	if got := CodeOf(wrapped); got != CodeUnknownServiceID {
		t.Fatalf("expected code %q, got %q", CodeUnknownServiceID, got)
	}
	if IsCode(errors.New("plain"), CodeInvalid) {
		t.Fatal("plain errors carry no code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
