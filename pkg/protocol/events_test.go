package protocol

import (
	"strings"
	"testing"
)

func TestValidSessionID(t *testing.T) {
	valid := []string{
		"a",
		"session-1",
		"A_b-C_9",
		strings.Repeat("x", 64),
	}
	for _, id := range valid {
		if !ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = false, want true", id)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("x", 65),
		"../etc",
		"a b",
		"a/b",
		"a.b",
		"тест",
		"a\x00b",
	}
	for _, id := range invalid {
		if ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = true, want false", id)
		}
	}
}

func TestEphemeralKinds(t *testing.T) {
	for _, k := range []EventKind{EventTurnToken, EventTurnThinking} {
		if !k.Ephemeral() {
			t.Errorf("%s must be ephemeral", k)
		}
	}
	for _, k := range []EventKind{
		EventSessionSnapshot, EventTurnQueued, EventTurnStart, EventTurnDone,
		EventTurnError, EventToolStart, EventToolEnd, EventPermissionReq,
		EventPermissionDone, EventBackgroundOutput, EventBackgroundStatus,
	} {
		if k.Ephemeral() {
			t.Errorf("%s must be persisted", k)
		}
	}
}
