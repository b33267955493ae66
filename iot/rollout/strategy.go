package rollout

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// Strategy describes how a rollout selects and stages its target devices.
// All filters intersect; an empty filter matches the whole tenant fleet.
type Strategy struct {
	// DeviceType restricts targets to one device type.
	DeviceType string `json:"deviceType,omitempty"`
	// Tags restricts targets to devices carrying at least one of the tags.
	Tags []string `json:"tags,omitempty"`
	// DeviceIDs restricts targets to an explicit device list.
	DeviceIDs []string `json:"deviceIds,omitempty"`
	// Percentage caps the target set to the first N percent of the
	// selected candidates. 0 means all.
	Percentage int `json:"percentage,omitempty"`
	// Increments is an ascending staged percentage list. When set, a
	// started rollout covers the first increment and expands on
	// explicit advance calls. Overrides Percentage.
	Increments []int `json:"increments,omitempty"`
	// FailureThreshold is the tolerated failure ratio in [0,1]; the
	// success rate dropping below 1-FailureThreshold triggers rollback.
	FailureThreshold float64 `json:"failureThreshold,omitempty"`
	// TimeoutMinutes rolls the rollout back when it runs longer. 0
	// disables the timeout.
	TimeoutMinutes int `json:"timeoutMinutes,omitempty"`
}

func (s *Strategy) validate() error {
	if s.Percentage < 0 || s.Percentage > 100 {
		return fmt.Errorf("percentage must be within [0,100], got %d", s.Percentage)
	}
	if s.FailureThreshold < 0 || s.FailureThreshold > 1 {
		return fmt.Errorf("failureThreshold must be within [0,1], got %g", s.FailureThreshold)
	}
	if s.TimeoutMinutes < 0 {
		return fmt.Errorf("timeoutMinutes must not be negative, got %d", s.TimeoutMinutes)
	}
	previous := 0
	for _, increment := range s.Increments {
		if increment <= previous || increment > 100 {
			return fmt.Errorf("increments must be ascending within (0,100], got %v", s.Increments)
		}
		previous = increment
	}
	return nil
}

func (s *Strategy) filter() state.DeviceFilter {
	return state.DeviceFilter{
		DeviceType: s.DeviceType,
		Tags:       s.Tags,
		DeviceIDs:  s.DeviceIDs,
	}
}

// initialPercentage is the coverage a freshly started rollout targets.
func (s *Strategy) initialPercentage() int {
	if len(s.Increments) > 0 {
		return s.Increments[0]
	}
	if s.Percentage > 0 {
		return s.Percentage
	}
	return 100
}

func parseStrategy(raw json.RawMessage) (*Strategy, error) {
	var s Strategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats partitions a rollout's tasks by status. pending subsumes
// PENDING and SCHEDULED, downloading subsumes DOWNLOADING and DOWNLOADED.
type Stats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Downloading int     `json:"downloading"`
	Installing  int     `json:"installing"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"successRate"`
}

func computeStats(tasks []state.Task) Stats {
	var stats Stats
	stats.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case state.TaskPending, state.TaskScheduled:
			stats.Pending++
		case state.TaskDownloading, state.TaskDownloaded:
			stats.Downloading++
		case state.TaskInstalling:
			stats.Installing++
		case state.TaskSuccess:
			stats.Success++
		case state.TaskFailed:
			stats.Failed++
		case state.TaskCancelled:
			stats.Cancelled++
		}
	}
	if terminal := stats.Success + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(terminal)
	}
	return stats
}

// active tells whether any task still has work in flight.
func (s Stats) active() bool {
	return s.Pending > 0 || s.Downloading > 0 || s.Installing > 0
}
