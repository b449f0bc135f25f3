package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := ScheduleInfo{Name: e.name, Spec: e.spec, Spread: e.spread}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}

	snap := Snapshot{
		State:     s.stateLocked(),
		Timezone:  s.cfg.Location.String(),
		Active:    s.activeLocked(),
		Schedules: items,
		Triggered: s.triggered,
		Completed: s.completed,
	}
	if n := len(s.history); n > 0 {
		snap.LastCycle = summarize(s.history[n-1])
	}
	return snap
}
