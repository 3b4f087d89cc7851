package supervisor

import (
	"time"

	"github.com/benaskins/portvisor/internal/driver"
)

// ServiceStatus is a point-in-time copy of one service record.
type ServiceStatus struct {
	ID          string           `json:"id"`
	Label       string           `json:"label"`
	Description string           `json:"description,omitempty"`
	Port        int              `json:"port"`
	URL         string           `json:"url"`
	State       State            `json:"state"`
	PID         int              `json:"pid,omitempty"`
	HasProcess  bool             `json:"has_process"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	LastError   string           `json:"last_error,omitempty"`
	LastExit    *driver.ExitInfo `json:"last_exit,omitempty"`
	Generation  uint64           `json:"generation"`
}

// Uptime returns time since launch for a live service, or zero.
func (st ServiceStatus) Uptime() time.Duration {
	if !st.HasProcess || st.StartedAt.IsZero() {
		return 0
	}
	return time.Since(st.StartedAt)
}

// Snapshot is a point-in-time copy of every service record, in registry order.
type Snapshot struct {
	Taken    time.Time       `json:"taken"`
	Services []ServiceStatus `json:"services"`
}

// Service returns the status for id.
func (s Snapshot) Service(id string) (ServiceStatus, bool) {
	for _, st := range s.Services {
		if st.ID == id {
			return st, true
		}
	}
	return ServiceStatus{}, false
}

// Counts returns the number of services in each state.
func (s Snapshot) Counts() map[State]int {
	counts := make(map[State]int, len(States))
	for _, st := range s.Services {
		counts[st.State]++
	}
	return counts
}

// Snapshot returns a copy of every service record.
func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{
		Taken:    time.Now(),
		Services: make([]ServiceStatus, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		snap.Services = append(snap.Services, e.status())
	}
	return snap
}

// Status returns a copy of one service record.
func (s *Supervisor) Status(id string) (ServiceStatus, error) {
	e, err := s.lookup(id)
	if err != nil {
		return ServiceStatus{}, err
	}
	return e.status(), nil
}

func (e *entry) status() ServiceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := ServiceStatus{
		ID:          e.def.ID,
		Label:       e.def.Label,
		Description: e.def.Description,
		Port:        e.def.Port,
		URL:         URL(e.def.Port),
		State:       e.state,
		HasProcess:  e.proc != nil,
		LastError:   e.lastErr,
		Generation:  e.gen,
	}
	if e.proc != nil {
		st.PID = e.proc.PID()
		st.StartedAt = e.startedAt
	}
	if e.lastExit != nil {
		exit := *e.lastExit
		st.LastExit = &exit
	}
	return st
}
