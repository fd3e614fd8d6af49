package session

// Snapshot is the observable state of a session.
type Snapshot struct {
	State    State   `json:"state"`
	Playing  bool    `json:"playing"`
	Loading  bool    `json:"loading"`
	Loaded   bool    `json:"loaded"`
	Name     string  `json:"name,omitempty"`
	Position float64 `json:"current_time"`
	Duration float64 `json:"duration"`
	Speed    float64 `json:"speed"`
	Pitch    float64 `json:"pitch"`
}

// Subscription receives a snapshot after every observable change.
type Subscription struct {
	C  <-chan Snapshot
	ch chan Snapshot
}

const subscriptionBuffer = 16

// Subscribe registers a listener. The current snapshot is delivered first.
// A subscriber that falls behind loses its oldest snapshots, never the latest.
func (s *Session) Subscribe() *Subscription {
	ch := make(chan Snapshot, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	ch <- s.snapshotLocked()
	return sub
}

// Unsubscribe removes the listener and closes its channel.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:    s.state,
		Playing:  s.state == StatePlaying,
		Loading:  s.state == StateLoading,
		Loaded:   s.asset != nil,
		Position: s.rec.position,
		Duration: s.rec.duration,
		Speed:    s.params.Speed,
		Pitch:    s.params.Pitch,
	}
	if s.asset != nil {
		snap.Name = s.asset.Name
	}
	return snap
}

// publishLocked pushes the current snapshot to every subscriber. Sends
// happen under the session lock so subscribers see changes in order.
func (s *Session) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for sub := range s.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

func (s *Session) closeSubsLocked() {
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}
