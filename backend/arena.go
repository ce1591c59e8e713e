package backend

// None is the slot value meaning "no backend".
const None = -1

// Arena is the session-owned set of backend handles, addressed by slot
// index. Selection logic hands out slots rather than live references so
// a reconnection never leaves a dangling handle behind.
type Arena struct {
	handles []*Handle
}

// NewArena builds an arena over the given handles. Slot order is stable
// for the lifetime of the session.
func NewArena(handles []*Handle) *Arena {
	return &Arena{handles: handles}
}

// Get returns the handle in the given slot, or nil for None or an
// out-of-range slot.
func (a *Arena) Get(slot int) *Handle {
	if slot < 0 || slot >= len(a.handles) {
		return nil
	}
	return a.handles[slot]
}

// Len returns the number of slots.
func (a *Arena) Len() int {
	return len(a.handles)
}

// Slot returns the slot of the handle with the given name, or None.
func (a *Arena) Slot(name string) int {
	for i, h := range a.handles {
		if h.name == name {
			return i
		}
	}
	return None
}

// CloseAll releases every in-use handle, used on session close.
func (a *Arena) CloseAll() {
	for _, h := range a.handles {
		if h.inUse {
			h.Close()
		}
	}
}
