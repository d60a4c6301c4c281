package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	term := Terminalf("sendMessage: HTTP 403: bot was kicked")
	if !IsTerminal(term) || IsRetryable(term) {
		t.Fatalf("terminal error misclassified: %v", term)
	}

	retry := Retryablef("sendMessage: HTTP 502: bad gateway")
	if !IsRetryable(retry) || IsTerminal(retry) {
		t.Fatalf("retryable error misclassified: %v", retry)
	}

	if Terminal(nil) != nil || Retryable(nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	t.Parallel()
	inner := Retryablef("connection refused")
	wrapped := fmt.Errorf("deliver to @news: %w", inner)
	if !IsRetryable(wrapped) {
		t.Fatal("wrapped retryable lost its class")
	}
	if IsTerminal(wrapped) {
		t.Fatal("wrapped retryable became terminal")
	}
}

func TestUnwrap(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	if !errors.Is(Terminal(base), base) {
		t.Fatal("Terminal must unwrap to the base error")
	}
	if !errors.Is(Retryable(base), base) {
		t.Fatal("Retryable must unwrap to the base error")
	}
}

func TestOutcomeFromError(t *testing.T) {
	t.Parallel()

	ok := OutcomeFromError(nil, "sent text")
	if !ok.OK || ok.Detail != "sent text" {
		t.Fatalf("success outcome = %+v", ok)
	}

	r := OutcomeFromError(Retryablef("timeout"), "")
	if r.OK || !r.Retryable || r.Detail != "timeout" {
		t.Fatalf("retryable outcome = %+v", r)
	}

	term := OutcomeFromError(Terminalf("chat not found"), "")
	if term.OK || term.Retryable || term.Detail != "chat not found" {
		t.Fatalf("terminal outcome = %+v", term)
	}
}
