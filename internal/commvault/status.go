package commvault

import "strings"

// JobStatus classifies a raw Commvault job status string. The zero value and
// blank strings are treated as Unknown.
type JobStatus string

const StatusUnknown JobStatus = "Unknown"

// NewJobStatus wraps a raw status, defaulting blanks to Unknown.
func NewJobStatus(raw string) JobStatus {
	if strings.TrimSpace(raw) == "" {
		return StatusUnknown
	}
	return JobStatus(raw)
}

func (s JobStatus) String() string {
	if strings.TrimSpace(string(s)) == "" {
		return string(StatusUnknown)
	}
	return string(s)
}

func (s JobStatus) lower() string {
	return strings.ToLower(strings.TrimSpace(s.String()))
}

// IsUnknown reports whether no status could be obtained.
func (s JobStatus) IsUnknown() bool {
	return s.lower() == "unknown"
}

// IsSuccess covers "Completed" and variants such as "Completed w/ one or more errors".
func (s JobStatus) IsSuccess() bool {
	return strings.HasPrefix(s.lower(), "completed")
}

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	switch s.lower() {
	case "failed", "killed":
		return true
	}
	return s.IsSuccess()
}
