package fingerprint

// Window is one fingerprint slice of the audio timeline.
type Window struct {
	Start  float64
	Length float64
}

// Plan lays out the sliding windows over an audio duration: length W,
// step S, keeping only windows fully inside the audio. Audio shorter than
// one window yields a single window covering all of it, so very short
// episodes still fingerprint.
func Plan(duration, window, step float64) []Window {
	if duration <= 0 || window <= 0 || step <= 0 {
		return nil
	}
	if duration < window {
		return []Window{{Start: 0, Length: duration}}
	}
	var out []Window
	for start := 0.0; start+window <= duration; start += step {
		out = append(out, Window{Start: start, Length: window})
	}
	return out
}

// ShortAudio reports whether the plan had to fall back to a single
// sub-window slice.
func ShortAudio(duration, window float64) bool {
	return duration > 0 && duration < window
}
