package detect

import (
	"math"
	"sort"

	"cliparr/internal/fingerprint"
)

// SegmentType labels a detected time range.
type SegmentType string

const (
	SegmentIntro   SegmentType = "intro"
	SegmentCredits SegmentType = "credits"
	SegmentStinger SegmentType = "stinger"
)

// Span is a detected time range on the episode timeline, in seconds.
type Span struct {
	Type  SegmentType
	Start float64
	End   float64
}

// Duration returns the span length in seconds.
func (s Span) Duration() float64 {
	return s.End - s.Start
}

// WindowHash is one fingerprint window of one episode.
type WindowHash struct {
	Start float64
	Hash  []uint32
}

// EpisodePrints carries one episode's fingerprint timeline into detection.
type EpisodePrints struct {
	EpisodeFileID int64
	EpisodeNumber int
	Windows       []WindowHash
}

// EpisodeSegments is the per-episode detection output. Intro and Credits
// are nil when the episode does not participate in the cohort segment.
type EpisodeSegments struct {
	EpisodeFileID int64
	EpisodeNumber int
	Intro         *Span
	Credits       *Span
	Stingers      []Span
}

// Outcome is the result of one cohort clustering pass.
type Outcome struct {
	Episodes   []EpisodeSegments
	Confidence float64
	Notes      string
}

// Params tunes the clustering pass.
type Params struct {
	WindowSeconds        float64
	HammingThreshold     float64
	MatchFraction        float64
	MinSegmentSeconds    float64
	EdgeWindowFraction   float64
	EdgeWindowCapSeconds float64
}

// NoteDurationVariance marks cohorts whose episode lengths disagree by
// more than 10%.
const NoteDurationVariance = "duration_variance"

// NoteSmallCohort marks detection runs over cohorts of fewer than three
// episodes.
const NoteSmallCohort = "single_episode_cohort"

const smallCohortConfidenceCap = 0.5

// joinNotes accumulates outcome notes so one condition never masks
// another.
func joinNotes(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}

type bucket struct {
	representative []uint32
	starts         []float64
	episodes       map[int]struct{}
}

// segment is a merged run of buckets sharing a classification.
type segment struct {
	start    float64
	end      float64
	episodes map[int]struct{}
}

func (s *segment) duration() float64 {
	return s.end - s.start
}

// Run clusters a cohort and returns per-episode segments plus the shared
// confidence score. Episodes without windows contribute nothing but still
// receive an entry.
func Run(cohort []EpisodePrints, params Params) Outcome {
	out := Outcome{Episodes: make([]EpisodeSegments, len(cohort))}
	for i, episode := range cohort {
		out.Episodes[i] = EpisodeSegments{
			EpisodeFileID: episode.EpisodeFileID,
			EpisodeNumber: episode.EpisodeNumber,
		}
	}
	if len(cohort) == 0 {
		return out
	}

	buckets := buildBuckets(cohort, params.HammingThreshold)
	common := filterCommon(buckets, len(cohort), params.MatchFraction)

	duration, varied := cohortDuration(cohort, params.WindowSeconds)
	if duration <= 0 {
		return out
	}

	introWindow := edgeWindow(duration, params.EdgeWindowFraction, params.EdgeWindowCapSeconds)
	creditsBoundary := duration - introWindow

	var introBuckets, creditsBuckets, stingerBuckets []*bucket
	for _, b := range common {
		median := medianOf(b.starts)
		switch {
		case median < introWindow:
			introBuckets = append(introBuckets, b)
		case median > creditsBoundary:
			creditsBuckets = append(creditsBuckets, b)
		default:
			stingerBuckets = append(stingerBuckets, b)
		}
	}

	mergeGap := params.WindowSeconds
	intro := pickIntro(mergeBuckets(introBuckets, mergeGap, params.WindowSeconds), params.MinSegmentSeconds)
	credits := pickCredits(mergeBuckets(creditsBuckets, mergeGap, params.WindowSeconds), params.MinSegmentSeconds)
	stingers := surviving(mergeBuckets(stingerBuckets, mergeGap, params.WindowSeconds), params.MinSegmentSeconds)
	stingers = absorbOverlaps(stingers, intro, credits)

	emitted := make([]*segment, 0, len(stingers)+2)
	if intro != nil {
		emitted = append(emitted, intro)
	}
	if credits != nil {
		emitted = append(emitted, credits)
	}
	emitted = append(emitted, stingers...)
	if len(emitted) == 0 {
		return out
	}

	confidence := 0.0
	for _, seg := range emitted {
		confidence += float64(len(seg.episodes)) / float64(len(cohort))
	}
	confidence /= float64(len(emitted))
	if varied {
		confidence -= 0.1
		out.Notes = joinNotes(out.Notes, NoteDurationVariance)
	}
	if len(cohort) < 3 {
		if confidence > smallCohortConfidenceCap {
			confidence = smallCohortConfidenceCap
		}
		out.Notes = joinNotes(out.Notes, NoteSmallCohort)
	}
	if confidence < 0 {
		confidence = 0
	}
	out.Confidence = confidence

	for i := range out.Episodes {
		if intro != nil {
			if _, ok := intro.episodes[i]; ok {
				out.Episodes[i].Intro = &Span{Type: SegmentIntro, Start: intro.start, End: intro.end}
			}
		}
		if credits != nil {
			if _, ok := credits.episodes[i]; ok {
				out.Episodes[i].Credits = &Span{Type: SegmentCredits, Start: credits.start, End: credits.end}
			}
		}
		for _, stinger := range stingers {
			if _, ok := stinger.episodes[i]; ok {
				out.Episodes[i].Stingers = append(out.Episodes[i].Stingers, Span{
					Type:  SegmentStinger,
					Start: stinger.start,
					End:   stinger.end,
				})
			}
		}
	}
	return out
}

// buildBuckets greedily assigns each window to the first bucket whose
// representative is within the Hamming threshold.
func buildBuckets(cohort []EpisodePrints, threshold float64) []*bucket {
	var buckets []*bucket
	for episodeIdx, episode := range cohort {
		for _, window := range episode.Windows {
			if len(window.Hash) == 0 {
				continue
			}
			placed := false
			for _, b := range buckets {
				if fingerprint.NormalizedHamming(b.representative, window.Hash) <= threshold {
					b.starts = append(b.starts, window.Start)
					b.episodes[episodeIdx] = struct{}{}
					placed = true
					break
				}
			}
			if !placed {
				buckets = append(buckets, &bucket{
					representative: window.Hash,
					starts:         []float64{window.Start},
					episodes:       map[int]struct{}{episodeIdx: {}},
				})
			}
		}
	}
	return buckets
}

func filterCommon(buckets []*bucket, cohortSize int, fraction float64) []*bucket {
	required := fraction * float64(cohortSize)
	var out []*bucket
	for _, b := range buckets {
		if float64(len(b.episodes)) >= required {
			out = append(out, b)
		}
	}
	return out
}

// cohortDuration derives the episode duration from the fingerprint
// timeline (last window end) and reports whether durations disagree by
// more than 10% across the cohort.
func cohortDuration(cohort []EpisodePrints, window float64) (float64, bool) {
	var durations []float64
	for _, episode := range cohort {
		if len(episode.Windows) == 0 {
			continue
		}
		last := episode.Windows[0].Start
		for _, w := range episode.Windows {
			if w.Start > last {
				last = w.Start
			}
		}
		durations = append(durations, last+window)
	}
	if len(durations) == 0 {
		return 0, false
	}
	minDur, maxDur := durations[0], durations[0]
	for _, d := range durations[1:] {
		minDur = math.Min(minDur, d)
		maxDur = math.Max(maxDur, d)
	}
	varied := minDur > 0 && (maxDur-minDur)/minDur > 0.10
	return medianOf(durations), varied
}

func edgeWindow(duration, fraction, capSeconds float64) float64 {
	window := duration * fraction
	if capSeconds > 0 && window > capSeconds {
		window = capSeconds
	}
	return window
}

// mergeBuckets merges buckets whose median times sit within mergeGap of
// each other; the merged segment spans [min start, max start + W].
func mergeBuckets(buckets []*bucket, mergeGap, window float64) []*segment {
	if len(buckets) == 0 {
		return nil
	}
	type ranked struct {
		median float64
		b      *bucket
	}
	order := make([]ranked, 0, len(buckets))
	for _, b := range buckets {
		order = append(order, ranked{median: medianOf(b.starts), b: b})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].median < order[j].median })

	var segments []*segment
	var current *segment
	var lastMedian float64
	for _, entry := range order {
		minStart, maxStart := spread(entry.b.starts)
		if current != nil && entry.median-lastMedian <= mergeGap {
			if minStart < current.start {
				current.start = minStart
			}
			if maxStart+window > current.end {
				current.end = maxStart + window
			}
			for ep := range entry.b.episodes {
				current.episodes[ep] = struct{}{}
			}
		} else {
			current = &segment{
				start:    minStart,
				end:      maxStart + window,
				episodes: make(map[int]struct{}, len(entry.b.episodes)),
			}
			for ep := range entry.b.episodes {
				current.episodes[ep] = struct{}{}
			}
			segments = append(segments, current)
		}
		lastMedian = entry.median
	}
	return segments
}

func surviving(segments []*segment, minSegment float64) []*segment {
	var out []*segment
	for _, seg := range segments {
		if seg.duration() >= minSegment {
			out = append(out, seg)
		}
	}
	return out
}

// pickIntro keeps the longest merged intro candidate; equal durations
// prefer the earlier start.
func pickIntro(segments []*segment, minSegment float64) *segment {
	var best *segment
	for _, seg := range surviving(segments, minSegment) {
		if best == nil ||
			seg.duration() > best.duration() ||
			(seg.duration() == best.duration() && seg.start < best.start) {
			best = seg
		}
	}
	return best
}

// pickCredits keeps the longest merged credits candidate; equal durations
// prefer the later start.
func pickCredits(segments []*segment, minSegment float64) *segment {
	var best *segment
	for _, seg := range surviving(segments, minSegment) {
		if best == nil ||
			seg.duration() > best.duration() ||
			(seg.duration() == best.duration() && seg.start > best.start) {
			best = seg
		}
	}
	return best
}

// absorbOverlaps folds stingers that overlap the intro or credits segment
// by more than half into that segment, extending its range.
func absorbOverlaps(stingers []*segment, intro, credits *segment) []*segment {
	var out []*segment
	for _, stinger := range stingers {
		if absorb(intro, stinger) || absorb(credits, stinger) {
			continue
		}
		out = append(out, stinger)
	}
	return out
}

func absorb(host, seg *segment) bool {
	if host == nil {
		return false
	}
	overlap := math.Min(host.end, seg.end) - math.Max(host.start, seg.start)
	if overlap <= 0 || overlap < 0.5*seg.duration() {
		return false
	}
	if seg.start < host.start {
		host.start = seg.start
	}
	if seg.end > host.end {
		host.end = seg.end
	}
	for ep := range seg.episodes {
		host.episodes[ep] = struct{}{}
	}
	return true
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func spread(values []float64) (float64, float64) {
	minValue, maxValue := values[0], values[0]
	for _, v := range values[1:] {
		minValue = math.Min(minValue, v)
		maxValue = math.Max(maxValue, v)
	}
	return minValue, maxValue
}
