package session

import "time"

const timerRetry = "retry"

type timerEntry struct {
	id     uint64
	reason string
	timer  *time.Timer
}

// timerTable holds named one-shot timers. It is owned by the event loop; a
// fired timer posts timerFired and the loop drops it unless the id is still
// current, so a cancel that races with a fire is harmless.
type timerTable struct {
	nextID  uint64
	entries map[string]*timerEntry
	post    func(event)
}

func newTimerTable(post func(event)) *timerTable {
	return &timerTable{entries: make(map[string]*timerEntry), post: post}
}

// schedule cancels any timer with the same name before arming a new one.
func (t *timerTable) schedule(name, reason string, d time.Duration) {
	t.cancel(name)
	t.nextID++
	id := t.nextID
	t.entries[name] = &timerEntry{
		id:     id,
		reason: reason,
		timer: time.AfterFunc(d, func() {
			t.post(timerFired{name: name, id: id})
		}),
	}
}

func (t *timerTable) cancel(name string) {
	if e, ok := t.entries[name]; ok {
		e.timer.Stop()
		delete(t.entries, name)
	}
}

func (t *timerTable) cancelAll() {
	for name := range t.entries {
		t.cancel(name)
	}
}

// take claims a fired timer. It returns false for a stale or cancelled one.
func (t *timerTable) take(name string, id uint64) (*timerEntry, bool) {
	e, ok := t.entries[name]
	if !ok || e.id != id {
		return nil, false
	}
	delete(t.entries, name)
	return e, true
}

func (t *timerTable) pending(name string) bool {
	_, ok := t.entries[name]
	return ok
}
