package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/maauso/asr-gateway/internal/crawler"
	"github.com/maauso/asr-gateway/internal/job"
	"github.com/maauso/asr-gateway/internal/media"
	"github.com/maauso/asr-gateway/internal/staging"
	"github.com/maauso/asr-gateway/internal/subtitle"
)

// Notifier wakes the task processor's claim loop early after a new job
// is created, instead of waiting out the full poll interval.
type Notifier interface {
	Notify()
}

// Handlers contains the HTTP handlers for the job intake API (C6).
type Handlers struct {
	repo      job.Repository
	stager    *staging.Stager
	crawlers  *crawler.Registry
	media     media.Processor
	notifier  Notifier
	artifacts *staging.ArtifactStore
	validator *validator.Validate
	logger    *slog.Logger

	defaultEngineName string
	pollURLBase       string
	maxUploadMemory   int64
}

// HandlerOption configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithDefaultEngineName sets the engine_name applied when intake omits it.
func WithDefaultEngineName(name string) HandlerOption {
	return func(h *Handlers) { h.defaultEngineName = name }
}

// WithPollURLBase overrides the base path task poll URLs are built from.
func WithPollURLBase(base string) HandlerOption {
	return func(h *Handlers) { h.pollURLBase = base }
}

// WithMaxUploadMemory sets the in-memory threshold for multipart parsing
// before ParseMultipartForm spills to temp files.
func WithMaxUploadMemory(n int64) HandlerOption {
	return func(h *Handlers) { h.maxUploadMemory = n }
}

// WithArtifactStore enables best-effort S3 upload of extraction
// byproducts and rendered subtitles.
func WithArtifactStore(a *staging.ArtifactStore) HandlerOption {
	return func(h *Handlers) { h.artifacts = a }
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(repo job.Repository, stager *staging.Stager, crawlers *crawler.Registry, mediaProc media.Processor, notifier Notifier, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		repo:              repo,
		stager:            stager,
		crawlers:          crawlers,
		media:             mediaProc,
		notifier:          notifier,
		validator:         validator.New(),
		logger:            logger,
		defaultEngineName: "whisper-base",
		pollURLBase:       "/tasks",
		maxUploadMemory:   32 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateTask handles POST /tasks: multipart upload or URL-referenced
// intake, per spec §6.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error(), "INVALID_FORM")
		return
	}

	taskType := job.TaskType(r.FormValue("task_type"))
	if !taskType.Valid() {
		writeError(w, http.StatusBadRequest, "task_type must be transcribe or translate", "VALIDATION_ERROR")
		return
	}

	priority := job.Priority(r.FormValue("priority"))
	if priority == "" {
		priority = job.PriorityNormal
	}
	if !priority.Valid() {
		writeError(w, http.StatusBadRequest, "priority must be high, normal, or low", "VALIDATION_ERROR")
		return
	}

	engineName := r.FormValue("engine_name")
	if engineName == "" {
		engineName = h.defaultEngineName
	}

	decodeOpts, err := parseDecodeOptions(r.FormValue("decode_options"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	platform := crawler.Platform(r.FormValue("platform"))
	callbackURL := r.FormValue("callback_url")

	source, fileName, fileSize, err := h.stageSource(r, platform)
	if err != nil {
		h.writeStagingError(w, err)
		return
	}

	spec := job.Spec{
		Priority:      priority,
		EngineName:    engineName,
		TaskType:      taskType,
		Source:        source,
		Platform:      string(platform),
		DecodeOptions: decodeOpts,
		CallbackURL:   callbackURL,
	}

	id, err := h.repo.Create(r.Context(), spec)
	if err != nil {
		h.logger.Error("server: create task failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task", "CREATE_FAILED")
		return
	}

	if fileName != "" || fileSize > 0 {
		patch := job.Patch{}
		if fileName != "" {
			patch.FileName = &fileName
		}
		if fileSize > 0 {
			patch.FileSizeBytes = &fileSize
		}
		if err := h.repo.Update(r.Context(), id, patch); err != nil {
			h.logger.Warn("server: stamp file metadata failed", slog.Int64("job_id", id), slog.String("error", err.Error()))
		}
	}

	if h.notifier != nil {
		h.notifier.Notify()
	}

	created, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task created but could not be reloaded", "RELOAD_FAILED")
		return
	}

	h.logger.Info("server: task created", slog.Int64("job_id", id), slog.String("task_type", string(taskType)))
	writeJSON(w, http.StatusOK, toTaskResponse(created, h.pollURLBase))
}

// stageSource stages either the uploaded file field or the url field.
// The file field takes precedence when both are present; an error is
// returned when neither is.
func (h *Handlers) stageSource(r *http.Request, platform crawler.Platform) (job.Source, string, int64, error) {
	file, header, fileErr := r.FormFile("file")
	url := r.FormValue("url")

	if fileErr == nil {
		defer func() { _ = file.Close() }()
		path, err := h.stager.StageUpload(r.Context(), file, header.Filename)
		if err != nil {
			return job.Source{}, "", 0, err
		}
		return job.Source{LocalPath: path}, header.Filename, header.Size, nil
	}

	if url == "" {
		return job.Source{}, "", 0, errMissingSource
	}

	path, err := h.stager.StageURL(r.Context(), url, platform)
	if err != nil {
		return job.Source{}, "", 0, err
	}
	return job.Source{LocalPath: path, RemoteURL: url, FileURL: url}, "", 0, nil
}

var errMissingSource = errors.New("server: either file or url must be provided")

func (h *Handlers) writeStagingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errMissingSource):
		writeError(w, http.StatusBadRequest, err.Error(), "MISSING_SOURCE")
	case errors.Is(err, staging.ErrFileTooLarge):
		writeError(w, http.StatusBadRequest, err.Error(), "FILE_TOO_LARGE")
	case errors.Is(err, staging.ErrDisallowedExtension):
		writeError(w, http.StatusBadRequest, err.Error(), "DISALLOWED_EXTENSION")
	case errors.Is(err, crawler.ErrUnsupportedPlatform):
		writeError(w, http.StatusBadRequest, err.Error(), "UNSUPPORTED_PLATFORM")
	case errors.Is(err, crawler.ErrResolveFailed):
		writeError(w, http.StatusBadGateway, err.Error(), "CRAWLER_RESOLVE_FAILED")
	case errors.Is(err, staging.ErrDownloadFailed):
		writeError(w, http.StatusBadGateway, err.Error(), "DOWNLOAD_FAILED")
	default:
		h.logger.Error("server: staging failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to stage media", "STAGING_FAILED")
	}
}

// CrawlerTask handles POST /platforms/{platform}/video_task: JSON intake
// delegating URL resolution to the crawler collaborator (spec §6).
func (h *Handlers) CrawlerTask(w http.ResponseWriter, r *http.Request) {
	platform := crawler.Platform(r.PathValue("platform"))

	var req CrawlerTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	decodeOpts, err := parseDecodeOptions(string(req.DecodeOptions))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	priority := job.Priority(req.Priority)
	if priority == "" {
		priority = job.PriorityNormal
	}
	engineName := req.EngineName
	if engineName == "" {
		engineName = h.defaultEngineName
	}

	path, err := h.stager.StageURL(r.Context(), req.URL, platform)
	if err != nil {
		h.writeStagingError(w, err)
		return
	}

	spec := job.Spec{
		Priority:      priority,
		EngineName:    engineName,
		TaskType:      job.TaskType(req.TaskType),
		Source:        job.Source{LocalPath: path, RemoteURL: req.URL, FileURL: req.URL},
		Platform:      string(platform),
		DecodeOptions: decodeOpts,
		CallbackURL:   req.CallbackURL,
	}

	id, err := h.repo.Create(r.Context(), spec)
	if err != nil {
		h.logger.Error("server: create crawler task failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task", "CREATE_FAILED")
		return
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}

	created, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task created but could not be reloaded", "RELOAD_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(created, h.pollURLBase))
}

// GetTask handles GET /tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id", "INVALID_ID")
		return
	}

	j, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found", "NOT_FOUND")
			return
		}
		h.logger.Error("server: get task failed", slog.Int64("job_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to fetch task", "FETCH_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(j, h.pollURLBase))
}

// ListTasks handles GET /tasks?status=&priority=&engine_name=&language=&created_after=&created_before=&limit=&offset=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.QueryFilter{
		Status:     job.Status(q.Get("status")),
		Priority:   job.Priority(q.Get("priority")),
		EngineName: q.Get("engine_name"),
		Language:   q.Get("language"),
	}
	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "created_after must be RFC3339", "VALIDATION_ERROR")
			return
		}
		filter.CreatedAfter = t
	}
	if v := q.Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "created_before must be RFC3339", "VALIDATION_ERROR")
			return
		}
		filter.CreatedBefore = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer", "VALIDATION_ERROR")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer", "VALIDATION_ERROR")
			return
		}
		filter.Offset = n
	}

	jobs, err := h.repo.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("server: list tasks failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks", "QUERY_FAILED")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Tasks = append(resp.Tasks, toTaskResponse(j, h.pollURLBase))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id", "INVALID_ID")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found", "NOT_FOUND")
			return
		}
		h.logger.Error("server: delete task failed", slog.Int64("job_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to delete task", "DELETE_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: true, ID: id})
}

// GetSubtitle handles GET /tasks/{id}/subtitle?format=srt|vtt.
func (h *Handlers) GetSubtitle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id", "INVALID_ID")
		return
	}

	format := subtitle.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = subtitle.FormatSRT
	}
	if !format.Valid() {
		writeError(w, http.StatusBadRequest, "format must be srt or vtt", "VALIDATION_ERROR")
		return
	}

	j, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch task", "FETCH_FAILED")
		return
	}
	if j.Status != job.StatusCompleted {
		writeError(w, http.StatusConflict, "task is not completed", "NOT_COMPLETED")
		return
	}

	text, err := subtitle.Render(j.Result, format)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error(), "SUBTITLE_RENDER_FAILED")
		return
	}

	resp := SubtitleResponse{Format: string(format), Text: text}
	if h.artifacts != nil {
		cachedURL, err := h.artifacts.PutSubtitleCache(r.Context(), j.ID, string(format), strings.NewReader(text))
		if err != nil {
			h.logger.Warn("server: subtitle cache upload failed", slog.Int64("job_id", j.ID), slog.String("error", err.Error()))
		} else {
			resp.CachedURL = cachedURL
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExtractAudio handles POST /audio/extract: upload a video, extract its
// audio track to a requested container, return the bytes.
func (h *Handlers) ExtractAudio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error(), "INVALID_FORM")
		return
	}

	format := media.AudioFormat(r.FormValue("format"))
	if !format.Valid() {
		writeError(w, http.StatusBadRequest, "format must be wav or mp3", "VALIDATION_ERROR")
		return
	}

	opts := media.ExtractOptions{Format: format}
	if v := r.FormValue("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "sample_rate must be an integer", "VALIDATION_ERROR")
			return
		}
		opts.SampleRate = n
	}
	if v := r.FormValue("bit_depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bit_depth must be an integer", "VALIDATION_ERROR")
			return
		}
		opts.BitDepth = n
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", "MISSING_FILE")
		return
	}
	defer func() { _ = file.Close() }()

	srcPath, err := h.stager.StageUpload(r.Context(), file, header.Filename)
	if err != nil {
		h.writeStagingError(w, err)
		return
	}
	defer h.stager.ScheduleDelete(srcPath, time.Now())

	dstPath := srcPath + "." + string(format)
	if err := h.media.ExtractAudio(r.Context(), srcPath, dstPath, opts); err != nil {
		h.logger.Error("server: extract audio failed", slog.String("error", err.Error()))
		writeError(w, http.StatusUnprocessableEntity, "failed to extract audio", "EXTRACTION_FAILED")
		return
	}
	defer h.stager.ScheduleDelete(dstPath, time.Now())

	out, err := os.Open(dstPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read extracted audio", "READ_FAILED")
		return
	}
	defer func() { _ = out.Close() }()

	if h.artifacts != nil {
		name := uuid.NewString() + "." + string(format)
		artifactURL, err := h.artifacts.PutExtractedAudio(r.Context(), name, out)
		if err != nil {
			h.logger.Warn("server: artifact upload failed", slog.String("error", err.Error()))
		} else {
			w.Header().Set("X-Artifact-URL", artifactURL)
		}
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read extracted audio", "READ_FAILED")
			return
		}
	}

	w.Header().Set("Content-Type", contentTypeFor(format))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, out); err != nil {
		h.logger.Warn("server: stream extracted audio failed", slog.String("error", err.Error()))
	}
}

func contentTypeFor(format media.AudioFormat) string {
	if format == media.FormatMP3 {
		return "audio/mpeg"
	}
	return "audio/wav"
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

// parseDecodeOptions rejects any key outside job.KnownDecodeOptionKeys
// before unmarshaling into the typed struct (spec §6: "unknown keys
// rejected at intake").
func parseDecodeOptions(raw string) (job.DecodeOptions, error) {
	if raw == "" {
		return job.DecodeOptions{}, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return job.DecodeOptions{}, fmt.Errorf("invalid decode_options JSON: %w", err)
	}
	for k := range keys {
		if !job.KnownDecodeOptionKeys[k] {
			return job.DecodeOptions{}, fmt.Errorf("unknown decode option %q", k)
		}
	}
	var opts job.DecodeOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return job.DecodeOptions{}, fmt.Errorf("invalid decode_options: %w", err)
	}
	return opts, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
