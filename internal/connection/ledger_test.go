package connection

import (
	"testing"

	"github.com/user/agentlink/pkg/packet"
)

func producing(text string) Producer {
	p := packet.NewEventFactory("alice").Text(text)
	return func() *packet.Packet { return p }
}

func TestLedgerPendingKeepsSendOrder(t *testing.T) {
	l := newLedger()
	l.recordInProgress("i1", producing("one"))
	l.recordInProgress("i2", producing("two"))
	l.recordInProgress("i1", producing("one again"))
	l.recordInProgress("i3", producing("three"))

	l.clearInProgress("i2")
	l.clearInProgress("missing")

	var got []string
	for _, p := range l.pending() {
		got = append(got, p().Text.Text)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "three" {
		t.Errorf("unexpected pending order %q", got)
	}
	if !l.hasInProgress() {
		t.Error("expected packets in progress")
	}

	l.clearInProgress("i1")
	l.clearInProgress("i3")
	if l.hasInProgress() || len(l.pending()) != 0 {
		t.Error("expected empty ledger")
	}
}

func TestLedgerCancelMarkers(t *testing.T) {
	l := newLedger()
	if l.isCancelled("i1") {
		t.Fatal("unexpected cancel marker")
	}
	l.markCancelled("i1")
	if !l.isCancelled("i1") || l.isCancelled("i2") {
		t.Error("expected only i1 cancelled")
	}
	l.clearCancel("i1")
	if l.isCancelled("i1") {
		t.Error("expected marker cleared")
	}
}

func TestMemoizeCallsProducerOnce(t *testing.T) {
	calls := 0
	produce := memoize(func() *packet.Packet {
		calls++
		return packet.NewEventFactory("alice").Text("hi")
	})
	first, second := produce(), produce()
	if calls != 1 || first != second {
		t.Errorf("expected a single build, got %d calls", calls)
	}
}
