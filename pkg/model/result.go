package model

import "sort"

// FailureReason classifies why a single upload did not succeed.
type FailureReason string

const (
	ReasonUnreadableSource  FailureReason = "unreadable-source"
	ReasonTransport         FailureReason = "transport-error"
	ReasonGatewayRejected   FailureReason = "gateway-rejected"
	ReasonRetriesExhausted  FailureReason = "retries-exhausted"
	ReasonParentUnavailable FailureReason = "parent-directory-unavailable"
)

// UploadResult is the outcome of uploading one file.
type UploadResult struct {
	Path     string        `json:"path"`
	OK       bool          `json:"ok"`
	Reason   FailureReason `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	Bytes    int64         `json:"bytes,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// Report aggregates the outcome of one run.
type Report struct {
	Tag          SnapshotTag             `json:"tag"`
	Cluster      string                  `json:"cluster"`
	Host         string                  `json:"host"`
	Considered   int                     `json:"considered"`
	Uploaded     []string                `json:"uploaded"`
	Failed       map[string]UploadResult `json:"failed,omitempty"`
	Bytes        int64                   `json:"bytes"`
	Manifest     string                  `json:"manifest,omitempty"`
	ManifestErr  string                  `json:"manifest_error,omitempty"`
	RunLevelErrs []string                `json:"run_errors,omitempty"`
	DryRun       bool                    `json:"dry_run,omitempty"`
	// Planned lists the diff of a dry run, which uploads nothing.
	Planned      []string `json:"planned,omitempty"`
	PlannedBytes int64    `json:"planned_bytes,omitempty"`
}

// Partial reports whether anything in the run failed.
func (r *Report) Partial() bool {
	return len(r.Failed) > 0 || r.ManifestErr != "" || len(r.RunLevelErrs) > 0
}

// FailedPaths returns the failed paths in lexicographic order.
func (r *Report) FailedPaths() []string {
	out := make([]string, 0, len(r.Failed))
	for p := range r.Failed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
