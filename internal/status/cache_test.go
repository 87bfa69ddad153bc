package status

import "testing"

func TestCacheSetReturnsPrevious(t *testing.T) {
	c := NewCache()

	if _, had := c.Set(StatusData{ID: "m", Status: StatusUp}); had {
		t.Error("first Set must report no previous entry")
	}
	prev, had := c.Set(StatusData{ID: "m", Status: StatusDown})
	if !had || prev.Status != StatusUp {
		t.Errorf("prev = (%+v, %v), want previous up entry", prev, had)
	}
}

func TestCacheStatusOfDefaultsToUnknown(t *testing.T) {
	c := NewCache()
	if got := c.StatusOf("never-seen"); got != StatusUnknown {
		t.Errorf("StatusOf = %v, want unknown", got)
	}
}

func TestCacheRetain(t *testing.T) {
	c := NewCache()
	c.Set(StatusData{ID: "keep", Status: StatusUp})
	c.Set(StatusData{ID: "drop", Status: StatusUp})

	c.Retain(func(id string) bool { return id == "keep" })

	if _, ok := c.Get("keep"); !ok {
		t.Error("retained entry missing")
	}
	if _, ok := c.Get("drop"); ok {
		t.Error("rejected entry survived")
	}
	if len(c.All()) != 1 {
		t.Errorf("All = %v, want single entry", c.All())
	}
}
