package download

import (
	"sort"
	"time"
)

func (m *Manager) startTask(req Request) *task {
	t := &task{req: req, state: StatePending, startTime: time.Now()}
	m.tasks.Store(req.TrackID, t)
	return t
}

func (m *Manager) finishTask(t *task, err error) {
	switch {
	case err == nil:
		t.setState(StateCompleted)
	case isCancellation(err):
		t.setState(StateCancelled)
	default:
		t.setState(StateFailed)
	}
	m.debugLog("Task state changed: %s -> %s", t.req.TrackID, t.snapshot().State)
	m.tasks.CompareAndDelete(t.req.TrackID, t)
}

// ActiveDownloads returns a snapshot of every download currently in flight,
// oldest first.
func (m *Manager) ActiveDownloads() []Progress {
	var out []Progress
	m.tasks.Range(func(_, value interface{}) bool {
		out = append(out, value.(*task).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// GetProgress reports the in-flight download of trackID, if any.
func (m *Manager) GetProgress(trackID string) (Progress, bool) {
	value, ok := m.tasks.Load(trackID)
	if !ok {
		return Progress{}, false
	}
	return value.(*task).snapshot(), true
}
