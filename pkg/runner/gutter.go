package runner

import (
	"autopilot/pkg/config"
	"autopilot/pkg/proto"
)

// Loop score weights and the consecutive-iteration span for stagnation.
const (
	signatureWeight  = 0.5
	stagnationWeight = 0.3
	thrashWeight     = 0.2

	signatureOccurrences = 3
	stagnationSpan       = 3
)

// GutterDetector scores iterations for non-convergence. Scoring is a pure
// function of the rolling window, so a resumed run recomputes identical
// scores from its durable records.
type GutterDetector struct {
	cfg config.GutterConfig
}

// NewGutterDetector creates a detector with the given tuning.
func NewGutterDetector(cfg config.GutterConfig) *GutterDetector {
	return &GutterDetector{cfg: cfg}
}

// Score computes the loop score for the newest record in window. The
// window is ordered oldest first, includes the current iteration last, and
// is already trimmed to the configured size.
func (g *GutterDetector) Score(window []proto.IterationRecord) float64 {
	if len(window) == 0 {
		return 0
	}

	score := 0.0
	if g.repeatedSignature(window) {
		score += signatureWeight
	}
	if g.stagnation(window) {
		score += stagnationWeight
	}
	if g.fileThrash(window) {
		score += thrashWeight
	}
	if score > 1 {
		score = 1
	}
	return score
}

// InGutter reports whether the score crosses the mitigation threshold.
func (g *GutterDetector) InGutter(score float64) bool {
	return score >= g.cfg.ScoreThreshold
}

// Window trims an iteration history to the detector's rolling window,
// newest records last.
func (g *GutterDetector) Window(records []proto.IterationRecord) []proto.IterationRecord {
	size := g.cfg.WindowSize
	if size <= 0 || len(records) <= size {
		return records
	}
	return records[len(records)-size:]
}

// repeatedSignature: the current iteration's failure signature occurs at
// least three times within the window.
func (g *GutterDetector) repeatedSignature(window []proto.IterationRecord) bool {
	current := window[len(window)-1].Signature
	if current == "" {
		return false
	}
	count := 0
	for i := range window {
		if window[i].Signature == current {
			count++
		}
	}
	return count >= signatureOccurrences
}

// stagnation: three consecutive iterations ending at the current one each
// produced a near-zero net line delta or an empty working tree diff.
func (g *GutterDetector) stagnation(window []proto.IterationRecord) bool {
	if len(window) < stagnationSpan {
		return false
	}
	for i := len(window) - stagnationSpan; i < len(window); i++ {
		d := window[i].DiffSummary
		if !d.Empty && d.NetLineDelta() >= g.cfg.StagnationLineDelta {
			return false
		}
	}
	return true
}

// fileThrash: some file's content hash alternates between exactly two
// values (A,B,A,B) across consecutive iterations in the window.
func (g *GutterDetector) fileThrash(window []proto.IterationRecord) bool {
	if len(window) < 4 {
		return false
	}

	// Collect per-file hash sequences; an iteration that did not observe a
	// file breaks that file's sequence, so only unbroken runs of
	// consecutive iterations can alternate.
	sequences := make(map[string][]string)
	for i := range window {
		observed := window[i].FileHashes
		for file, seq := range sequences {
			if _, ok := observed[file]; ok {
				continue
			}
			if alternates(seq) {
				return true
			}
			delete(sequences, file)
		}
		for file, hash := range observed {
			sequences[file] = append(sequences[file], hash)
		}
	}

	for _, seq := range sequences {
		if alternates(seq) {
			return true
		}
	}
	return false
}

// alternates reports whether seq is an A,B,A,B pattern of two distinct
// values, at least four entries long.
func alternates(seq []string) bool {
	if len(seq) < 4 {
		return false
	}
	a, b := seq[0], seq[1]
	if a == b {
		return false
	}
	for i := range seq {
		want := a
		if i%2 == 1 {
			want = b
		}
		if seq[i] != want {
			return false
		}
	}
	return true
}
