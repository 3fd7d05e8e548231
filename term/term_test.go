package term_test

import (
	"testing"

	"github.com/the80srobot/rekall/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Error("stdout should not be a terminal under the test harness")
	}
}
