// Package server provides the HTTP job-intake API (C6). It includes
// handlers, middleware, routes, and DTOs kept separate from domain types.
package server

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/maauso/asr-gateway/internal/job"
)

// TaskResponse is the job representation returned by every endpoint that
// exposes a task, matching the fields enumerated in spec §3.
type TaskResponse struct {
	ID                        int64              `json:"id"`
	Status                    string             `json:"status"`
	Priority                  string             `json:"priority"`
	EngineName                string             `json:"engine_name"`
	TaskType                  string             `json:"task_type"`
	FileName                  string             `json:"file_name,omitempty"`
	FileSizeBytes             int64              `json:"file_size_bytes,omitempty"`
	FileDurationSeconds       float64            `json:"file_duration_seconds,omitempty"`
	Platform                  string             `json:"platform,omitempty"`
	Language                  string             `json:"language,omitempty"`
	DecodeOptions             job.DecodeOptions  `json:"decode_options"`
	Result                    *job.Result        `json:"result,omitempty"`
	ErrorMessage              string             `json:"error_message,omitempty"`
	TaskProcessingTimeSeconds float64            `json:"task_processing_time_seconds,omitempty"`
	CallbackURL               string             `json:"callback_url,omitempty"`
	CallbackStatusCode        *int               `json:"callback_status_code,omitempty"`
	CallbackMessage           string             `json:"callback_message,omitempty"`
	CallbackTime              *time.Time         `json:"callback_time,omitempty"`
	CreatedAt                 time.Time          `json:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at"`
	PollURL                   string             `json:"poll_url"`
}

// toTaskResponse maps a domain Job onto its wire representation.
func toTaskResponse(j *job.Job, pollURLBase string) TaskResponse {
	return TaskResponse{
		ID:                        j.ID,
		Status:                    string(j.Status),
		Priority:                  string(j.Priority),
		EngineName:                j.EngineName,
		TaskType:                  string(j.TaskType),
		FileName:                  j.FileName,
		FileSizeBytes:             j.FileSizeBytes,
		FileDurationSeconds:       j.FileDurationSeconds,
		Platform:                  j.Platform,
		Language:                  j.Language,
		DecodeOptions:             j.DecodeOptions,
		Result:                    j.Result,
		ErrorMessage:              j.ErrorMessage,
		TaskProcessingTimeSeconds: j.TaskProcessingTimeSeconds,
		CallbackURL:               j.CallbackURL,
		CallbackStatusCode:        j.CallbackStatusCode,
		CallbackMessage:           j.CallbackMessage,
		CallbackTime:              j.CallbackTime,
		CreatedAt:                 j.CreatedAt,
		UpdatedAt:                 j.UpdatedAt,
		PollURL:                   pollURLBase + "/" + strconv.FormatInt(j.ID, 10),
	}
}

// TaskListResponse wraps a page of tasks returned by GET /tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// CrawlerTaskRequest is the JSON body for POST /platforms/{platform}/video_task.
type CrawlerTaskRequest struct {
	URL           string          `json:"url" validate:"required,url"`
	Priority      string          `json:"priority" validate:"omitempty,oneof=high normal low"`
	EngineName    string          `json:"engine_name"`
	TaskType      string          `json:"task_type" validate:"required,oneof=transcribe translate"`
	CallbackURL   string          `json:"callback_url" validate:"omitempty,url"`
	DecodeOptions json.RawMessage `json:"decode_options"`
}

// SubtitleResponse carries rendered subtitle text for GET /tasks/{id}/subtitle.
type SubtitleResponse struct {
	Format    string `json:"format"`
	Text      string `json:"text"`
	CachedURL string `json:"cached_url,omitempty"`
}

// DeleteResponse confirms a successful DELETE /tasks/{id}.
type DeleteResponse struct {
	Deleted bool  `json:"deleted"`
	ID      int64 `json:"id"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
