package registry

import "collaborative-diagram/internal/domain"

// activityFeed is a bounded append-only ring of one room's diagnostic events.
type activityFeed struct {
	events []domain.ActivityEvent
	max    int
}

func newActivityFeed(max int) *activityFeed {
	return &activityFeed{max: max}
}

func (f *activityFeed) append(e domain.ActivityEvent) {
	f.events = append(f.events, e)
	if len(f.events) > f.max {
		f.events = f.events[len(f.events)-f.max:]
	}
}

func (f *activityFeed) list() []domain.ActivityEvent {
	out := make([]domain.ActivityEvent, len(f.events))
	copy(out, f.events)
	return out
}
