package detect

import (
	"math"
	"strings"
	"testing"
)

func testParams() Params {
	return Params{
		WindowSeconds:        10,
		HammingThreshold:     0.15,
		MatchFraction:        0.6,
		MinSegmentSeconds:    10,
		EdgeWindowFraction:   0.2,
		EdgeWindowCapSeconds: 180,
	}
}

// sharedHash returns a fixed 256-bit hash for a named repeated segment.
func sharedHash(tag uint32) []uint32 {
	hash := make([]uint32, 8)
	for i := range hash {
		hash[i] = tag * (uint32(i)*2654435761 + 0x9E3779B9)
	}
	return hash
}

// uniqueHash returns a pseudo-random hash that will not collide with any
// other window within the Hamming threshold.
func uniqueHash(episode, index int) []uint32 {
	seed := uint32(episode)*0x01000193 + uint32(index)*2654435761 + 0x811C9DC5
	hash := make([]uint32, 8)
	for i := range hash {
		seed = seed*1664525 + 1013904223
		hash[i] = seed
	}
	return hash
}

// buildEpisode lays out windows every 5 s over a 600 s episode with a
// shared intro over [0, 30) and shared credits over [560, 600).
func buildEpisode(episode int, withIntro bool) EpisodePrints {
	prints := EpisodePrints{
		EpisodeFileID: int64(100 + episode),
		EpisodeNumber: episode + 1,
	}
	for start := 0.0; start+10 <= 600; start += 5 {
		var hash []uint32
		switch {
		case withIntro && start < 30:
			hash = sharedHash(1)
		case start >= 560:
			hash = sharedHash(2)
		default:
			hash = uniqueHash(episode, int(start))
		}
		prints.Windows = append(prints.Windows, WindowHash{Start: start, Hash: hash})
	}
	return prints
}

func TestRunDetectsIntroAndCredits(t *testing.T) {
	cohort := []EpisodePrints{
		buildEpisode(0, true),
		buildEpisode(1, true),
		buildEpisode(2, true),
	}

	out := Run(cohort, testParams())
	if out.Confidence != 1.0 {
		t.Fatalf("expected full confidence, got %v", out.Confidence)
	}
	if out.Notes != "" {
		t.Fatalf("unexpected notes: %q", out.Notes)
	}
	for i, episode := range out.Episodes {
		if episode.Intro == nil {
			t.Fatalf("episode %d missing intro", i)
		}
		if episode.Intro.Start != 0 || episode.Intro.End != 35 {
			t.Fatalf("episode %d intro = %#v", i, episode.Intro)
		}
		if episode.Credits == nil {
			t.Fatalf("episode %d missing credits", i)
		}
		if episode.Credits.Start != 560 || episode.Credits.End != 600 {
			t.Fatalf("episode %d credits = %#v", i, episode.Credits)
		}
		if len(episode.Stingers) != 0 {
			t.Fatalf("episode %d unexpected stingers: %#v", i, episode.Stingers)
		}
	}
}

func TestRunLeavesNonParticipantsNull(t *testing.T) {
	cohort := []EpisodePrints{
		buildEpisode(0, true),
		buildEpisode(1, true),
		buildEpisode(2, false),
	}

	out := Run(cohort, testParams())
	if out.Episodes[2].Intro != nil {
		t.Fatalf("episode without intro windows should stay null, got %#v", out.Episodes[2].Intro)
	}
	if out.Episodes[0].Intro == nil || out.Episodes[1].Intro == nil {
		t.Fatal("participating episodes should carry the intro")
	}
	// Intro bucket covers 2/3 episodes, credits 3/3.
	want := (2.0/3.0 + 1.0) / 2
	if math.Abs(out.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", out.Confidence, want)
	}
}

func TestRunDetectsStinger(t *testing.T) {
	cohort := make([]EpisodePrints, 3)
	for i := range cohort {
		episode := buildEpisode(i, true)
		for w := range episode.Windows {
			if episode.Windows[w].Start == 300 {
				episode.Windows[w].Hash = sharedHash(3)
			}
		}
		cohort[i] = episode
	}

	out := Run(cohort, testParams())
	for i, episode := range out.Episodes {
		if len(episode.Stingers) != 1 {
			t.Fatalf("episode %d stingers = %#v", i, episode.Stingers)
		}
		stinger := episode.Stingers[0]
		if stinger.Start != 300 || stinger.End != 310 {
			t.Fatalf("episode %d stinger = %#v", i, stinger)
		}
	}
}

func TestRunDiscardsShortSegments(t *testing.T) {
	params := testParams()
	params.MinSegmentSeconds = 20

	cohort := make([]EpisodePrints, 3)
	for i := range cohort {
		episode := buildEpisode(i, false)
		for w := range episode.Windows {
			if episode.Windows[w].Start == 300 {
				episode.Windows[w].Hash = sharedHash(3)
			}
		}
		cohort[i] = episode
	}

	out := Run(cohort, params)
	for i, episode := range out.Episodes {
		if len(episode.Stingers) != 0 {
			t.Fatalf("episode %d should have no stingers below min segment: %#v", i, episode.Stingers)
		}
	}
}

func TestRunSmallCohortCapsConfidence(t *testing.T) {
	cohort := []EpisodePrints{
		buildEpisode(0, true),
		buildEpisode(1, true),
	}

	out := Run(cohort, testParams())
	if out.Confidence != 0.5 {
		t.Fatalf("expected capped confidence, got %v", out.Confidence)
	}
	if out.Notes != NoteSmallCohort {
		t.Fatalf("expected small cohort note, got %q", out.Notes)
	}
	if out.Episodes[0].Intro == nil {
		t.Fatal("small cohorts still detect segments")
	}
}

func TestRunFlagsDurationVariance(t *testing.T) {
	long := buildEpisode(0, true)
	for start := 600.0; start+10 <= 700; start += 5 {
		long.Windows = append(long.Windows, WindowHash{Start: start, Hash: uniqueHash(0, int(start))})
	}
	cohort := []EpisodePrints{long, buildEpisode(1, true), buildEpisode(2, true)}

	out := Run(cohort, testParams())
	if out.Notes != NoteDurationVariance {
		t.Fatalf("expected duration variance note, got %q", out.Notes)
	}
	if out.Confidence >= 1.0 {
		t.Fatalf("expected reduced confidence, got %v", out.Confidence)
	}
}

func TestRunSmallCohortKeepsVarianceNote(t *testing.T) {
	long := buildEpisode(0, true)
	for start := 600.0; start+10 <= 700; start += 5 {
		long.Windows = append(long.Windows, WindowHash{Start: start, Hash: uniqueHash(0, int(start))})
	}
	cohort := []EpisodePrints{long, buildEpisode(1, true)}

	out := Run(cohort, testParams())
	if !strings.Contains(out.Notes, NoteDurationVariance) {
		t.Fatalf("small cohort lost the variance note: %q", out.Notes)
	}
	if !strings.Contains(out.Notes, NoteSmallCohort) {
		t.Fatalf("missing small cohort note: %q", out.Notes)
	}
	if out.Confidence > smallCohortConfidenceCap {
		t.Fatalf("expected capped confidence, got %v", out.Confidence)
	}
}

func TestRunEmptyCohort(t *testing.T) {
	out := Run(nil, testParams())
	if len(out.Episodes) != 0 || out.Confidence != 0 {
		t.Fatalf("unexpected outcome: %#v", out)
	}
}

func TestMedianOf(t *testing.T) {
	if m := medianOf([]float64{5, 1, 3}); m != 3 {
		t.Fatalf("odd median = %v", m)
	}
	if m := medianOf([]float64{4, 1, 3, 2}); m != 2.5 {
		t.Fatalf("even median = %v", m)
	}
	if m := medianOf(nil); m != 0 {
		t.Fatalf("empty median = %v", m)
	}
}
