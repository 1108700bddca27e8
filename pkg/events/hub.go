package events

import "context"

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	RunID  string   `json:"run_id,omitempty"`
	TaskID string   `json:"task_id,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// Hub provides pub/sub for real-time execution events.
type Hub interface {
	Sink
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f Filter, e Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.TaskID != "" && f.TaskID != e.TaskID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
