package panelmux

import (
	"reflect"
	"testing"
)

func TestTrackerJoinAndGet(t *testing.T) {
	tr := NewTracker()
	tr.Join(1, "a1", "c1")

	sub, ok := tr.Get(1)
	if !ok {
		t.Fatal("subscription not found")
	}
	if sub.AgentID != "a1" || sub.ConversationID != "c1" || !sub.Visible {
		t.Errorf("got %+v", sub)
	}
}

func TestTrackerLeave(t *testing.T) {
	tr := NewTracker()
	tr.Join(1, "a1", "c1")
	tr.Leave(1)
	if _, ok := tr.Get(1); ok {
		t.Fatal("subscription survived Leave")
	}
}

func TestTrackerSwitchAgent(t *testing.T) {
	tr := NewTracker()
	tr.Join(1, "a1", "c1")

	if !tr.SwitchAgent(1, "a2", "c2") {
		t.Fatal("SwitchAgent returned false for subscribed tab")
	}
	sub, _ := tr.Get(1)
	if sub.AgentID != "a2" || sub.ConversationID != "c2" {
		t.Errorf("got %+v", sub)
	}

	if tr.SwitchAgent(99, "a2", "c2") {
		t.Error("SwitchAgent returned true for unknown tab")
	}
}

func TestTrackerTabsForAgentSorted(t *testing.T) {
	tr := NewTracker()
	tr.Join(5, "a1", "c1")
	tr.Join(2, "a1", "c1")
	tr.Join(9, "a2", "c2")

	got := tr.TabsForAgent("a1")
	if !reflect.DeepEqual(got, []int{2, 5}) {
		t.Errorf("TabsForAgent = %v, want [2 5]", got)
	}
	all := tr.AllTabs()
	if !reflect.DeepEqual(all, []int{2, 5, 9}) {
		t.Errorf("AllTabs = %v, want [2 5 9]", all)
	}
}

func TestTrackerDropTab(t *testing.T) {
	tr := NewTracker()
	tr.Join(1, "a1", "c1")
	tr.DropTab(1)
	tr.DropTab(1) // second drop is a no-op
	if got := tr.TabsForAgent("a1"); len(got) != 0 {
		t.Errorf("tab survived DropTab: %v", got)
	}
}

func TestTrackerNavigationClears(t *testing.T) {
	tr := NewTracker()
	tr.Join(1, "a1", "c1")
	tr.TabNavigating(1)
	if _, ok := tr.Get(1); ok {
		t.Fatal("subscription survived navigation")
	}
}
