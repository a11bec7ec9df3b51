package stages

import (
	"context"
	"sync"

	"cliparr/internal/broker"
	"cliparr/internal/detect"
	"cliparr/internal/fingerprint"
	"cliparr/internal/logging"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

// Detect runs the cohort clustering pass. One message triggers detection
// for the whole (show, season) cohort the job belongs to; the handler is
// idempotent so duplicate triggers are harmless.
type Detect struct {
	env   *Env
	mu    sync.Mutex
	locks map[queue.CohortKey]*sync.Mutex
}

// NewDetect constructs the detection stage handler.
func NewDetect(env *Env) *Detect {
	return &Detect{env: env, locks: make(map[queue.CohortKey]*sync.Mutex)}
}

func (d *Detect) Stage() broker.Stage { return broker.StageDetect }

// Processing is the status a job holds when a detect trigger arrives. The
// handler owns the move into detecting so a trigger against a cohort that
// is no longer ready leaves its members untouched.
func (d *Detect) Processing() queue.Status { return queue.StatusAwaitingCohort }

// Done is empty: the handler finalizes every cohort member itself.
func (d *Detect) Done() queue.Status { return "" }

// Next is empty: trimming is entered through approval, not automatically.
func (d *Detect) Next() broker.Stage { return "" }

// cohortLock serializes detection per (show, season) so two triggers for
// the same cohort never interleave their writes.
func (d *Detect) cohortLock(key queue.CohortKey) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[key] = lock
	}
	return lock
}

// Execute clusters the cohort's fingerprints and writes one DetectionResult
// per participating episode in a single transaction.
func (d *Detect) Execute(ctx context.Context, job *queue.Job, meta *queue.FileMeta) error {
	key := queue.CohortKey{ShowID: meta.ShowID, SeasonNumber: meta.SeasonNumber}
	lock := d.cohortLock(key)
	lock.Lock()
	defer lock.Unlock()

	jobs, err := d.env.Store.CohortJobs(ctx, key.ShowID, key.SeasonNumber)
	if err != nil {
		return services.Wrap(services.ErrTransient, "detect", "load cohort", "cohort jobs", err)
	}

	participants := make([]queue.JobWithMeta, 0, len(jobs))
	ready := 0
	for _, member := range jobs {
		if member.Job.Status.AtLeast(queue.StatusAwaitingCohort) {
			ready++
		}
		if member.Job.Status == queue.StatusAwaitingCohort || member.Job.Status == queue.StatusDetecting {
			participants = append(participants, member)
		}
	}
	minReady := d.env.Config.Detection.CohortMinReady
	if minReady > len(jobs) {
		minReady = len(jobs)
	}
	if minReady < 1 {
		minReady = 1
	}
	if len(participants) == 0 || ready < minReady {
		// Another trigger already handled this cohort, or a member raced
		// backwards out of readiness. The watcher re-fires when the cohort
		// is ready again.
		return nil
	}

	fpMap, err := d.env.Store.FingerprintsForCohort(ctx, key.ShowID, key.SeasonNumber)
	if err != nil {
		return services.Wrap(services.ErrTransient, "detect", "load cohort", "cohort fingerprints", err)
	}

	cohort := make([]detect.EpisodePrints, 0, len(participants))
	for _, member := range participants {
		prints := detect.EpisodePrints{
			EpisodeFileID: member.EpisodeFileID,
			EpisodeNumber: member.EpisodeNumber,
		}
		for _, row := range fpMap[member.EpisodeFileID] {
			prints.Windows = append(prints.Windows, detect.WindowHash{
				Start: row.WindowStartSeconds,
				Hash:  fingerprint.FromBytes(row.Hash),
			})
		}
		cohort = append(cohort, prints)
	}

	for _, member := range participants {
		if member.Job.Status != queue.StatusAwaitingCohort {
			continue
		}
		if err := d.env.Store.Transition(ctx, member.Job.ID, queue.StatusDetecting); err != nil {
			return services.Wrap(services.ErrTransient, "detect", "claim cohort", "transition to detecting", err)
		}
		d.env.PublishStatus(member.Job.ID, member.EpisodeFileID, queue.StatusDetecting)
	}

	cfg := d.env.Config.Detection
	outcome := detect.Run(cohort, detect.Params{
		WindowSeconds:        cfg.WindowSeconds,
		HammingThreshold:     cfg.HammingThreshold,
		MatchFraction:        cfg.MatchFraction,
		MinSegmentSeconds:    cfg.MinSegmentSeconds,
		EdgeWindowFraction:   cfg.EdgeWindowFraction,
		EdgeWindowCapSeconds: cfg.EdgeWindowCapSeconds,
	})

	approval := queue.ApprovalPending
	if d.env.Config.Trim.AutoProcessVerified && outcome.Confidence >= cfg.MinConfidence {
		approval = queue.ApprovalAutoApproved
	}

	results := make([]queue.DetectionResult, 0, len(outcome.Episodes))
	for _, episode := range outcome.Episodes {
		results = append(results, buildResult(key, episode, outcome, approval))
	}
	if err := d.env.Store.UpsertDetectionResults(ctx, results); err != nil {
		return services.Wrap(services.ErrTransient, "detect", "persist", "detection results", err)
	}

	logger := d.env.logger("detect")
	for _, member := range participants {
		episode, ok := episodeFor(outcome, member.EpisodeFileID)
		if !ok {
			continue
		}
		if err := d.finishEpisode(ctx, member, episode, outcome, approval); err != nil {
			logger.Error("could not finalize cohort member",
				logging.Int64(logging.FieldJobID, member.Job.ID),
				logging.Error(err),
			)
		}
	}

	logger.Info("cohort detection complete",
		logging.Int64("show_id", key.ShowID),
		logging.Int("season", key.SeasonNumber),
		logging.Int("episodes", len(participants)),
		logging.Float64("confidence", outcome.Confidence),
		logging.String("approval", string(approval)),
	)
	return nil
}

// finishEpisode writes the detected spans onto the member's job and moves
// it into its post-detection status.
func (d *Detect) finishEpisode(ctx context.Context, member queue.JobWithMeta, episode detect.EpisodeSegments, outcome detect.Outcome, approval queue.ApprovalStatus) error {
	job, err := d.env.Store.JobByID(ctx, member.Job.ID)
	if err != nil {
		return err
	}
	if job == nil || job.Status != queue.StatusDetecting {
		return nil
	}

	job.ConfidenceScore = outcome.Confidence
	job.ProcessingNotes = appendNote(job.ProcessingNotes, outcome.Notes)
	if episode.Intro != nil {
		job.IntroStart = &episode.Intro.Start
		job.IntroEnd = &episode.Intro.End
	}
	if episode.Credits != nil {
		job.CreditsStart = &episode.Credits.Start
		job.CreditsEnd = &episode.Credits.End
	}

	hasCuts := episode.Intro != nil || episode.Credits != nil ||
		(d.env.Config.Trim.TrimStingers && len(episode.Stingers) > 0)

	switch {
	case !hasCuts:
		job.Status = queue.StatusCompleted
		job.ProcessingNotes = appendNote(job.ProcessingNotes, "no_segments")
	case approval.Approved():
		job.Status = queue.StatusVerified
	default:
		job.Status = queue.StatusDetected
	}
	if err := d.env.Store.UpdateJob(ctx, job); err != nil {
		return err
	}
	d.env.PublishStatus(job.ID, member.EpisodeFileID, job.Status)

	if job.Status == queue.StatusVerified && d.env.Config.Trim.AutoProcessDetections {
		msg := broker.NewMessage(broker.StageTrim, job.ID, member.EpisodeFileID)
		if err := d.env.Broker.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func episodeFor(outcome detect.Outcome, episodeFileID int64) (detect.EpisodeSegments, bool) {
	for _, episode := range outcome.Episodes {
		if episode.EpisodeFileID == episodeFileID {
			return episode, true
		}
	}
	return detect.EpisodeSegments{}, false
}

func buildResult(key queue.CohortKey, episode detect.EpisodeSegments, outcome detect.Outcome, approval queue.ApprovalStatus) queue.DetectionResult {
	result := queue.DetectionResult{
		ShowID:          key.ShowID,
		SeasonNumber:    key.SeasonNumber,
		EpisodeNumber:   episode.EpisodeNumber,
		ConfidenceScore: outcome.Confidence,
		DetectionMethod: "chromaprint_cohort",
		ApprovalStatus:  approval,
		ProcessingNotes: outcome.Notes,
	}
	if episode.Intro != nil {
		result.IntroStart = &episode.Intro.Start
		result.IntroEnd = &episode.Intro.End
		result.Segments = append(result.Segments, queue.Segment{
			Type:  string(detect.SegmentIntro),
			Start: episode.Intro.Start,
			End:   episode.Intro.End,
		})
	}
	if episode.Credits != nil {
		result.CreditsStart = &episode.Credits.Start
		result.CreditsEnd = &episode.Credits.End
		result.Segments = append(result.Segments, queue.Segment{
			Type:  string(detect.SegmentCredits),
			Start: episode.Credits.Start,
			End:   episode.Credits.End,
		})
	}
	for _, stinger := range episode.Stingers {
		segment := queue.Segment{
			Type:  string(detect.SegmentStinger),
			Start: stinger.Start,
			End:   stinger.End,
		}
		result.Stingers = append(result.Stingers, segment)
		result.Segments = append(result.Segments, segment)
	}
	return result
}

// HealthCheck has no external collaborators; clustering is in-process.
func (d *Detect) HealthCheck(context.Context) error { return nil }
