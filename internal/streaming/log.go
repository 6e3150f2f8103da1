package streaming

import (
	"github.com/rs/zerolog"
)

// LogEmitter writes every event as one structured log line.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter on log.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit logs e. Rejections are logged at warn level.
func (l *LogEmitter) Emit(e Event) {
	ev := l.log.Info()
	if e.Type == EventTypeRejected {
		ev = l.log.Warn()
	}
	ev = ev.Str("import_id", e.ImportID).Str("stage", string(e.Type))

	switch d := e.Data.(type) {
	case DetectedEvent:
		ev = ev.Str("file", d.FileName).Int("candidates", len(d.Candidates))
		if len(d.Candidates) > 0 {
			ev = ev.Str("format", string(d.Candidates[0].Format)).Float64("confidence", d.Candidates[0].Confidence)
		}
	case ResolvedEvent:
		ev = ev.Str("format", string(d.Format)).
			Str("institution", d.Institution).
			Str("extractor", d.Extractor).
			Int("config_version", d.ConfigVersion).
			Int64("snapshot_version", d.SnapshotVersion)
	case CountsEvent:
		ev = ev.Int("seen", d.Counts.Seen).
			Int("extracted", d.Counts.Extracted).
			Int("rejected", d.Counts.Rejected).
			Int("warned", d.Counts.Warned).
			Int("duplicated", d.Counts.Duplicated).
			Int("skipped", d.Counts.Skipped)
	case RejectedEvent:
		ev = ev.Str("reason", d.Reason)
	case CommitEvent:
		ev = ev.Str("token", d.Token).Int("persisted", d.Persisted).Int("failures", d.Failures)
	}
	ev.Msg("import stage")
}
