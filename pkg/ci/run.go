package ci

import (
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// LogLevel grades a log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one appended log line from a run. Step is -1 for
// job-level entries.
type LogEntry struct {
	Timestamp time.Time
	Step      int
	Level     LogLevel
	Message   string
}

// LogSink receives log entries as they are produced; nil sinks are
// allowed and drop everything. Live consumers typically wrap a channel.
type LogSink func(LogEntry)

// ChannelSink adapts a buffered channel into a LogSink; entries the
// channel cannot take immediately are dropped so a slow consumer never
// stalls a step.
func ChannelSink(ch chan<- LogEntry) LogSink {
	return func(e LogEntry) {
		select {
		case ch <- e:
		default:
		}
	}
}

// AggregateConclusion folds job conclusions into the run-level one:
// any hard failure wins, then cancellation, then all-skipped, else
// success.
func AggregateConclusion(jobs []types.JobRun) types.Conclusion {
	if len(jobs) == 0 {
		return types.ConclusionSuccess
	}

	allSkipped := true
	anyCancelled := false
	for _, j := range jobs {
		if j.Conclusion.IsFailure() {
			return types.ConclusionFailure
		}
		if j.Conclusion == types.ConclusionCancelled {
			anyCancelled = true
		}
		if j.Conclusion != types.ConclusionSkipped {
			allSkipped = false
		}
	}
	if anyCancelled {
		return types.ConclusionCancelled
	}
	if allSkipped {
		return types.ConclusionSkipped
	}
	return types.ConclusionSuccess
}
