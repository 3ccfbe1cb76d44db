package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// JobKind selects which document engine a batch targets
type JobKind string

const (
	JobKindOCR       JobKind = "ocr"
	JobKindStructure JobKind = "structure"
	JobKindVL        JobKind = "vl"
)

var jobKindAliases = map[string]JobKind{
	"ocr":               JobKindOCR,
	"text-recognition":  JobKindOCR,
	"structure":         JobKindStructure,
	"structure-parsing": JobKindStructure,
	"vl":                JobKindVL,
	"vision-language":   JobKindVL,
}

// ParseJobKind accepts both the short tags and the long names of a job kind
func ParseJobKind(s string) (JobKind, error) {
	if kind, ok := jobKindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobKind, s)
}

// Valid reports whether k is one of the known kinds
func (k JobKind) Valid() bool {
	switch k {
	case JobKindOCR, JobKindStructure, JobKindVL:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a batch job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no transition leaves s
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether the state machine allows s -> to
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	}
	return false
}

// FailureKind classifies a per-file failure
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureUnsupportedFormat FailureKind = "unsupported_format"
	FailureNotFound          FailureKind = "not_found"
	FailureEngine            FailureKind = "engine_error"
	FailureCancelled         FailureKind = "cancelled"
)

// FileResult is a per-file success record
type FileResult struct {
	File    string `json:"file"`
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Data    any    `json:"data"`
}

// FileError is a per-file failure record
type FileError struct {
	File  string      `json:"file"`
	Index int         `json:"index"`
	Error string      `json:"error"`
	Kind  FailureKind `json:"kind"`
}

// BatchJob is the central entity of the batch subsystem
type BatchJob struct {
	ID         string         `json:"job_id"`
	Seq        int64          `json:"seq"`
	Kind       JobKind        `json:"job_type"`
	Files      []string       `json:"files"`
	Status     JobStatus      `json:"status"`
	Progress   int            `json:"progress"`
	Total      int            `json:"total"`
	Results    []FileResult   `json:"results"`
	Errors     []FileError    `json:"errors"`
	Options    map[string]any `json:"options"`
	Failure    string         `json:"failure,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Clone copies the job so callers can read it without holding the store lock.
// Result payloads are shared; they are never mutated after being recorded.
func (j *BatchJob) Clone() *BatchJob {
	c := *j
	c.Files = append([]string(nil), j.Files...)
	c.Results = append([]FileResult(nil), j.Results...)
	c.Errors = append([]FileError(nil), j.Errors...)
	if j.Options != nil {
		c.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Snapshot builds the read-only projection returned by status queries
func (j *BatchJob) Snapshot() *JobSnapshot {
	results := append([]FileResult{}, j.Results...)
	errs := append([]FileError{}, j.Errors...)
	return &JobSnapshot{
		JobID:        j.ID,
		JobType:      j.Kind,
		Status:       j.Status,
		Progress:     j.Progress,
		Total:        j.Total,
		Percent:      Percent(j.Progress, j.Total),
		ResultsCount: len(results),
		ErrorsCount:  len(errs),
		Results:      results,
		Errors:       errs,
		Failure:      j.Failure,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}
}

// JobSnapshot is the read-only projection of a job
type JobSnapshot struct {
	JobID        string       `json:"job_id"`
	JobType      JobKind      `json:"job_type"`
	Status       JobStatus    `json:"status"`
	Progress     int          `json:"progress"`
	Total        int          `json:"total"`
	Percent      float64      `json:"percent"`
	ResultsCount int          `json:"results_count"`
	ErrorsCount  int          `json:"errors_count"`
	Results      []FileResult `json:"results"`
	Errors       []FileError  `json:"errors"`
	Failure      string       `json:"failure,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// Percent returns progress/total as a percentage rounded to one decimal,
// halves to even (6.25 -> 6.2)
func Percent(progress, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.RoundToEven(float64(progress)/float64(total)*1000) / 10
}

// FileOutcome is the result-or-error of one engine invocation
type FileOutcome struct {
	Index int
	File  string
	Data  any
	Err   error
}

// ExportResult describes the artifacts written for a job
type ExportResult struct {
	Success       bool   `json:"success"`
	OutputDir     string `json:"output_dir"`
	CombinedFile  string `json:"combined_file"`
	IndividualDir string `json:"individual_dir"`
	SummaryFile   string `json:"summary_file"`
	TotalExported int    `json:"total_exported"`
}
