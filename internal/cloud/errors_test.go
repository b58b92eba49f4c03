package cloud

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorMatching(t *testing.T) {
	inner := newError(KindTransport, "fetch shadow", io.ErrUnexpectedEOF, "read response")
	err := fmt.Errorf("sync: %w", wrap(KindRefresh, "ensure ready", inner))

	if !errors.Is(err, ErrRefresh) || !errors.Is(err, ErrTransport) {
		t.Error("kinds in chain not matched")
	}
	if errors.Is(err, ErrProtocol) {
		t.Error("unrelated kind matched")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause lost")
	}
	if KindOf(err) != KindRefresh {
		t.Errorf("kind = %s, want outermost", KindOf(err))
	}
	if Message(err) != "read response" {
		t.Errorf("message = %q", Message(err))
	}
	if KindOf(io.EOF) != "" || Message(nil) != "" || Message(io.EOF) != "EOF" {
		t.Error("plain errors misclassified")
	}
}

func TestErrorString(t *testing.T) {
	err := newError(KindProtocol, "api 102007", nil, "reCode %d: %s", 500, "bad")
	if got := err.Error(); got != "api 102007: protocol: reCode 500: bad" {
		t.Errorf("Error() = %q", got)
	}
	if wrap(KindProtocol, "x", nil) != nil {
		t.Error("wrap(nil) is not nil")
	}
}
