// Package detect implements cross-episode clustering. Given the window
// fingerprints of every episode in a (show, season) cohort, it buckets
// perceptually equal windows, keeps the buckets that repeat across enough
// of the cohort, and classifies the surviving time ranges as intro,
// credits, or stinger by where their median timestamp falls on the episode
// timeline.
package detect
