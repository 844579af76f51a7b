package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector manages bridge-wide statistics
type StatsCollector struct {
	StartTime         time.Time
	PollsTotal        uint64
	PollErrors        uint64
	CommandsReceived  uint64
	CommandsFailed    uint64
	CommandsDropped   uint64
	StatePublishes    uint64
	ResponsesMatched  uint64
	CommandsExpired   uint64
	Errors            uint64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
	}
}

func (s *StatsCollector) IncPolls()            { atomic.AddUint64(&s.PollsTotal, 1) }
func (s *StatsCollector) IncPollErrors()       { atomic.AddUint64(&s.PollErrors, 1) }
func (s *StatsCollector) IncCommandsReceived() { atomic.AddUint64(&s.CommandsReceived, 1) }
func (s *StatsCollector) IncCommandsFailed()   { atomic.AddUint64(&s.CommandsFailed, 1) }
func (s *StatsCollector) IncCommandsDropped()  { atomic.AddUint64(&s.CommandsDropped, 1) }
func (s *StatsCollector) IncStatePublishes()   { atomic.AddUint64(&s.StatePublishes, 1) }
func (s *StatsCollector) IncResponsesMatched() { atomic.AddUint64(&s.ResponsesMatched, 1) }
func (s *StatsCollector) IncCommandsExpired()  { atomic.AddUint64(&s.CommandsExpired, 1) }
func (s *StatsCollector) IncErrors()           { atomic.AddUint64(&s.Errors, 1) }

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":            uptime.String(),
		"polls_total":       atomic.LoadUint64(&s.PollsTotal),
		"poll_errors":       atomic.LoadUint64(&s.PollErrors),
		"commands_received": atomic.LoadUint64(&s.CommandsReceived),
		"commands_failed":   atomic.LoadUint64(&s.CommandsFailed),
		"commands_dropped":  atomic.LoadUint64(&s.CommandsDropped),
		"state_publishes":   atomic.LoadUint64(&s.StatePublishes),
		"responses_matched": atomic.LoadUint64(&s.ResponsesMatched),
		"commands_expired":  atomic.LoadUint64(&s.CommandsExpired),
		"errors":            atomic.LoadUint64(&s.Errors),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// Uptime returns the time elapsed since the collector was created
func (s *StatsCollector) Uptime() time.Duration {
	return time.Since(s.StartTime)
}
