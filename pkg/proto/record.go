package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IterationRecord is the immutable artifact of one iteration. Records are
// appended to the run's ordered sequence and never edited after Finalize.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type IterationRecord struct {
	Sequence       int            `json:"sequence"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	PromptSnapshot string         `json:"prompt_snapshot"`
	RawModelOutput string         `json:"raw_model_output"`
	Actions        []Action       `json:"actions"`
	Results        []ActionResult `json:"results"`
	DiffSummary    DiffSummary    `json:"diff_summary"`
	FileHashes     map[string]string `json:"file_hashes,omitempty"`
	Signature      string         `json:"failure_signature,omitempty"`
	LoopScore      float64        `json:"loop_score"`
	Decision       Decision       `json:"decision"`
	ModelProfile   string         `json:"model_profile"`
	PromptTokens   int            `json:"prompt_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	CostUSD        float64        `json:"cost_usd"`
	Error          string         `json:"error,omitempty"`
}

// DiffSummary aggregates the working tree change produced by one iteration.
type DiffSummary struct {
	FilesChanged int  `json:"files_changed"`
	LinesAdded   int  `json:"lines_added"`
	LinesRemoved int  `json:"lines_removed"`
	Empty        bool `json:"empty"`
}

// NetLineDelta is the absolute net change in lines for stagnation scoring.
func (d DiffSummary) NetLineDelta() int {
	delta := d.LinesAdded - d.LinesRemoved
	if delta < 0 {
		delta = -delta
	}
	return delta
}

// SignatureStderrLimit is how much stderr participates in the failure
// signature. Normalization: ANSI escapes stripped, lowercased, whitespace
// runs collapsed, then the first 2000 bytes.
const SignatureStderrLimit = 2000

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// NormalizeStderr applies the signature normalization to raw stderr.
func NormalizeStderr(stderr string) string {
	s := ansiEscape.ReplaceAllString(stderr, "")
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > SignatureStderrLimit {
		s = s[:SignatureStderrLimit]
	}
	return s
}

// FailureSignature derives the comparison key for a failed command:
// (command, exit code, normalized stderr prefix), hashed so records stay
// compact. Returns "" for a passing result.
func FailureSignature(command string, exitCode int, stderr string) string {
	if exitCode == 0 {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(command))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(exitCode)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeStderr(stderr)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// RecordSignature extracts the iteration's failure signature from its run
// results: the first failing run action wins. Returns "" if every command
// passed or no commands ran.
func RecordSignature(results []ActionResult) string {
	for i := range results {
		r := &results[i]
		if r.Type == ActionRun && r.ExitCode != 0 {
			return FailureSignature(r.Command, r.ExitCode, r.Stderr)
		}
	}
	return ""
}

// HashContent returns the content hash used for file-thrash detection.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}
