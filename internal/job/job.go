// Package job defines the Job aggregate: the durable record of a
// transcription/translation request and its lifecycle, plus the
// Repository port implemented by the store backends (C1).
package job

import (
	"errors"
	"time"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusQueued indicates the job is waiting to be claimed by a processor.
	StatusQueued Status = "queued"
	// StatusProcessing indicates the job is owned by exactly one processor.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates inference succeeded and a result was recorded.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job failed validation, staging, or inference.
	StatusFailed Status = "failed"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("job: invalid state transition")

// ErrJobNotFound is returned by Repository methods when no row matches the id.
var ErrJobNotFound = errors.New("job: not found")

// validTransitions enumerates the only legal status changes (§3 invariant 3).
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Priority controls claim ordering within the queue: high before normal
// before low, FIFO by created_at within a priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns higher-is-more-urgent for comparisons and SQL ORDER BY CASE
// expressions built from it.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the three recognized priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// TaskType is the requested operation on the staged audio.
type TaskType string

const (
	TaskTranscribe TaskType = "transcribe"
	TaskTranslate  TaskType = "translate"
)

// Valid reports whether t is a recognized task type.
func (t TaskType) Valid() bool {
	return t == TaskTranscribe || t == TaskTranslate
}

// Source identifies where the media bytes came from. LocalPath holds the
// staged file once staging completes. URL-sourced jobs are staged at
// intake, so they carry both LocalPath and RemoteURL (the URL that was
// supplied); upload jobs carry LocalPath only.
// FileURL retains the caller-supplied URL verbatim for audit.
type Source struct {
	LocalPath string
	RemoteURL string
	FileURL   string
}

// DecodeOptions is the enumerated set of recognized decoder options from
// the external intake contract (§6). Unknown keys are rejected before a
// Job is created, never stored.
type DecodeOptions struct {
	Language                      string    `json:"language,omitempty"`
	Temperature                   []float64 `json:"temperature,omitempty"`
	CompressionRatioThreshold     *float64  `json:"compression_ratio_threshold,omitempty"`
	NoSpeechThreshold             *float64  `json:"no_speech_threshold,omitempty"`
	ConditionOnPreviousText       *bool     `json:"condition_on_previous_text,omitempty"`
	InitialPrompt                 string    `json:"initial_prompt,omitempty"`
	WordTimestamps                bool      `json:"word_timestamps,omitempty"`
	PrependPunctuations           string    `json:"prepend_punctuations,omitempty"`
	AppendPunctuations            string    `json:"append_punctuations,omitempty"`
	ClipTimestamps                string    `json:"clip_timestamps,omitempty"`
	HallucinationSilenceThreshold *float64  `json:"hallucination_silence_threshold,omitempty"`
}

// KnownDecodeOptionKeys is the allow-list intake validates incoming JSON
// keys against; anything outside this set is a validation error.
var KnownDecodeOptionKeys = map[string]bool{
	"language":                        true,
	"temperature":                     true,
	"compression_ratio_threshold":     true,
	"no_speech_threshold":             true,
	"condition_on_previous_text":      true,
	"initial_prompt":                  true,
	"word_timestamps":                 true,
	"prepend_punctuations":            true,
	"append_punctuations":             true,
	"clip_timestamps":                 true,
	"hallucination_silence_threshold": true,
}

// Segment is a single decoded span of the transcription/translation.
type Segment struct {
	ID          int            `json:"id"`
	Start       float64        `json:"start"`
	End         float64        `json:"end"`
	Text        string         `json:"text"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Result is the structured inference output recorded once a Job completes.
// It is immutable after being written (§9 open question: re-running
// requires a new job, a completed job's result is never rewritten).
type Result struct {
	Text     string         `json:"text"`
	Segments []Segment      `json:"segments"`
	Info     map[string]any `json:"info,omitempty"`
}

// Job is the durable record of one ASR request and its outcome.
type Job struct {
	ID                  int64
	Status              Status
	Priority            Priority
	EngineName          string
	TaskType            TaskType
	Source              Source
	FileName            string
	FileSizeBytes       int64
	FileDurationSeconds float64
	Platform            string
	Language            string
	DecodeOptions       DecodeOptions

	Result       *Result
	ErrorMessage string

	TaskProcessingTimeSeconds float64

	CallbackURL        string
	CallbackStatusCode *int
	CallbackMessage    string
	CallbackTime       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Spec is the set of caller-supplied fields at intake; the store assigns
// ID, timestamps, and the initial queued status.
type Spec struct {
	Priority      Priority
	EngineName    string
	TaskType      TaskType
	Source        Source
	Platform      string
	DecodeOptions DecodeOptions
	CallbackURL   string
}

// IsTerminal reports whether s is a state from which no further
// processor-owned transition occurs.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Validate checks the §3 data-model invariants hold for the receiver.
// It is a defensive assertion used by tests, not a substitute
// for the transactional guards inside update/claim_next.
func (j *Job) Validate() error {
	if j.Status == StatusCompleted && j.Result == nil {
		return errors.New("job: completed row must carry a result")
	}
	if j.Status == StatusFailed && j.ErrorMessage == "" {
		return errors.New("job: failed row must carry an error message")
	}
	if j.Status != StatusCompleted && j.Result != nil {
		return errors.New("job: non-completed row must not carry a result")
	}
	if j.Status != StatusFailed && j.ErrorMessage != "" {
		return errors.New("job: non-failed row must not carry an error message")
	}
	if j.Source.LocalPath == "" && j.Source.RemoteURL == "" {
		return errors.New("job: source must specify local_path or remote_url")
	}
	return nil
}
