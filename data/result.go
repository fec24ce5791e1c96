package data

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-lab/lantern/lantern"
	"github.com/m-lab/lantern/throttling"
)

// CurrentSchemaVersion is the current version of the LanternResult struct
// below. This schema version should be included in serialized JSON result
// files. The version should be incremented for every structure change to
// LanternResult so that readers of archived results can be updated.
const CurrentSchemaVersion = 1

// LanternResult is the struct that is serialized as JSON to disk as the
// archival record of one lantern run.
type LanternResult struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string
	// SchemaVersion represents the version of the LanternResult structure.
	SchemaVersion int

	// UUID identifies the run. It names the result file.
	UUID string

	StartTime time.Time
	EndTime   time.Time

	Settings *throttling.Settings
	Report   *lantern.Report `json:",omitempty"`
	// Error is set when the run could not produce a report.
	Error string `json:",omitempty"`
}

// NewLanternResult returns a result with a fresh UUID that starts now.
func NewLanternResult(s *throttling.Settings) *LanternResult {
	return &LanternResult{
		SchemaVersion: CurrentSchemaVersion,
		UUID:          uuid.NewString(),
		StartTime:     time.Now().UTC(),
		Settings:      s,
	}
}

// Finish records the outcome of the run.
func (r *LanternResult) Finish(report *lantern.Report, err error) {
	r.EndTime = time.Now().UTC()
	r.Report = report
	if err != nil {
		r.Error = err.Error()
	}
}
