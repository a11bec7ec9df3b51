package api

import (
	"net/http"
	"strconv"
	"time"

	"cliparr/internal/broker"
	"cliparr/internal/logging"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

type jobView struct {
	ID              int64     `json:"id"`
	EpisodeFileID   int64     `json:"episode_file_id"`
	Status          string    `json:"status"`
	ConfidenceScore float64   `json:"confidence_score"`
	IntroStart      *float64  `json:"intro_start"`
	IntroEnd        *float64  `json:"intro_end"`
	CreditsStart    *float64  `json:"credits_start"`
	CreditsEnd      *float64  `json:"credits_end"`
	ManualVerified  bool      `json:"manual_verified"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	ProcessingNotes string    `json:"processing_notes,omitempty"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	ShowID        int64  `json:"show_id,omitempty"`
	ShowTitle     string `json:"show_title,omitempty"`
	SeasonNumber  int    `json:"season_number,omitempty"`
	EpisodeNumber int    `json:"episode_number,omitempty"`
	EpisodeTitle  string `json:"episode_title,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
}

func viewFromJob(job *queue.Job) jobView {
	return jobView{
		ID:              job.ID,
		EpisodeFileID:   job.EpisodeFileID,
		Status:          string(job.Status),
		ConfidenceScore: job.ConfidenceScore,
		IntroStart:      job.IntroStart,
		IntroEnd:        job.IntroEnd,
		CreditsStart:    job.CreditsStart,
		CreditsEnd:      job.CreditsEnd,
		ManualVerified:  job.ManualVerified,
		FailureReason:   job.FailureReason,
		ProcessingNotes: job.ProcessingNotes,
		Attempts:        job.Attempts,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

func viewFromMeta(jm queue.JobWithMeta) jobView {
	view := viewFromJob(&jm.Job)
	view.ShowID = jm.ShowID
	view.ShowTitle = jm.ShowTitle
	view.SeasonNumber = jm.SeasonNumber
	view.EpisodeNumber = jm.EpisodeNumber
	view.EpisodeTitle = jm.EpisodeTitle
	view.FilePath = jm.Path
	return view
}

const defaultJobLimit = 100

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status queue.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := queue.ParseStatus(raw)
		if !ok {
			s.writeBadRequest(w, "unknown status "+strconv.Quote(raw))
			return
		}
		status = parsed
	}
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, jm := range jobs {
		views = append(views, viewFromMeta(jm))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

type jobPatch struct {
	Status          *string  `json:"status"`
	ConfidenceScore *float64 `json:"confidence_score"`
	IntroStart      *float64 `json:"intro_start"`
	IntroEnd        *float64 `json:"intro_end"`
	CreditsStart    *float64 `json:"credits_start"`
	CreditsEnd      *float64 `json:"credits_end"`
	ManualVerified  *bool    `json:"manual_verified"`
	ProcessingNotes *string  `json:"processing_notes"`
}

// handlePatchJob updates the mutable job fields. Setting manual_verified
// approves the stored detection result and hands the job to the trimmer.
func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(r)
	if !ok {
		s.writeBadRequest(w, "job id must be a positive integer")
		return
	}
	var patch jobPatch
	if err := decodeBody(r, &patch); err != nil {
		s.writeBadRequest(w, "unknown or malformed patch field: "+err.Error())
		return
	}

	ctx := r.Context()
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job == nil {
		s.writeNotFound(w, "job "+strconv.FormatInt(jobID, 10))
		return
	}

	if patch.Status != nil {
		status, ok := queue.ParseStatus(*patch.Status)
		if !ok {
			s.writeBadRequest(w, "unknown status "+strconv.Quote(*patch.Status))
			return
		}
		if status != job.Status && !queue.CanTransition(job.Status, status) {
			s.writeBadRequest(w, "cannot move job from "+string(job.Status)+" to "+string(status))
			return
		}
		job.Status = status
	}
	if patch.ConfidenceScore != nil {
		job.ConfidenceScore = *patch.ConfidenceScore
	}
	if patch.IntroStart != nil {
		job.IntroStart = patch.IntroStart
	}
	if patch.IntroEnd != nil {
		job.IntroEnd = patch.IntroEnd
	}
	if patch.CreditsStart != nil {
		job.CreditsStart = patch.CreditsStart
	}
	if patch.CreditsEnd != nil {
		job.CreditsEnd = patch.CreditsEnd
	}
	if patch.ProcessingNotes != nil {
		job.ProcessingNotes = *patch.ProcessingNotes
	}

	verifying := patch.ManualVerified != nil && *patch.ManualVerified && !job.ManualVerified
	if patch.ManualVerified != nil {
		job.ManualVerified = *patch.ManualVerified
	}
	if verifying && queue.CanTransition(job.Status, queue.StatusVerified) {
		job.Status = queue.StatusVerified
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.writeError(w, err)
		return
	}
	if verifying {
		if err := s.approveAndTrim(r, job); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewFromJob(job))
}

// approveAndTrim marks the episode's detection result manually approved
// and enqueues the trim stage.
func (s *Server) approveAndTrim(r *http.Request, job *queue.Job) error {
	ctx := r.Context()
	meta, err := s.store.FileMetaByID(ctx, job.EpisodeFileID)
	if err != nil {
		return err
	}
	if meta == nil {
		return services.Wrap(services.ErrNotFound, "api", "verify", "episode file missing for job", nil)
	}
	result, err := s.store.DetectionForEpisode(ctx, meta.ShowID, meta.SeasonNumber, meta.EpisodeNumber)
	if err != nil {
		return err
	}
	if result != nil && !result.ApprovalStatus.Approved() {
		if err := s.store.SetApproval(ctx, result.ID, queue.ApprovalManualApproved); err != nil {
			return err
		}
	}
	if err := s.broker.Enqueue(ctx, broker.NewMessage(broker.StageTrim, job.ID, job.EpisodeFileID)); err != nil {
		return err
	}
	s.logger.Info("job manually verified",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int64("episode_file_id", job.EpisodeFileID),
	)
	return nil
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(r)
	if !ok {
		s.writeBadRequest(w, "job id must be a positive integer")
		return
	}
	deleted, err := s.cleaner.DeleteJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeNotFound(w, "job "+strconv.FormatInt(jobID, 10))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(r)
	if !ok {
		s.writeBadRequest(w, "job id must be a positive integer")
		return
	}
	if err := s.pipeline.Cancel(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(r)
	if !ok {
		s.writeBadRequest(w, "job id must be a positive integer")
		return
	}
	job, err := s.pipeline.Requeue(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromJob(job))
}

type bulkDeleteRequest struct {
	JobIDs []int64 `json:"jobIds"`
	All    bool    `json:"all"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var body bulkDeleteRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeBadRequest(w, "body must be {jobIds:[int]} or {all:true}")
		return
	}
	ctx := r.Context()
	if body.All {
		deleted, err := s.cleaner.DeleteAll(ctx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
		return
	}
	if len(body.JobIDs) == 0 {
		s.writeBadRequest(w, "jobIds must not be empty unless all is true")
		return
	}
	deleted, err := s.cleaner.DeleteMany(ctx, body.JobIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

type stageDepthView struct {
	Active  int64 `json:"active"`
	Waiting int64 `json:"waiting"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depths, err := s.pipeline.Depths(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.store.JobStats(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stages := make(map[string]stageDepthView, len(depths))
	for stage, depth := range depths {
		stages[string(stage)] = stageDepthView{Active: depth.InFlight, Waiting: depth.Ready}
	}
	jobs := make(map[string]int, len(stats))
	for status, count := range stats {
		jobs[string(status)] = count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stages": stages,
		"jobs":   jobs,
		"workers": map[string]int{
			"cpu": s.pipeline.CPUWorkers(),
			"gpu": s.pipeline.GPUWorkers(),
		},
	})
}

type activeProcess struct {
	JobID    int64  `json:"job_id,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// handleActiveFFmpeg reports the in-flight subprocesses keyed by episode
// file id.
func (s *Server) handleActiveFFmpeg(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active := make(map[string]activeProcess)
	for _, fileID := range s.pipeline.Registry().Active() {
		entry := activeProcess{}
		if job, err := s.store.JobByFile(ctx, fileID); err == nil && job != nil {
			entry.JobID = job.ID
		}
		if meta, err := s.store.FileMetaByID(ctx, fileID); err == nil && meta != nil {
			entry.FilePath = meta.Path
		}
		active[strconv.FormatInt(fileID, 10)] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}
