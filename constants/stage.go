package constants

// Stage is the human label shown in a progress snapshot.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageClaimed    Stage = "claimed"
	StageValidating Stage = "validating subject"
	StageDownload   Stage = "downloading"
	StageExtract    Stage = "extracting"
	StageScoring    Stage = "scoring"
	StageFinalizing Stage = "finalizing"
	StageRetrying   Stage = "waiting for retry"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// stagePct holds the approximate completion percentage reached when a stage begins.
var stagePct = map[Stage]int{
	StageQueued:     0,
	StageClaimed:    2,
	StageValidating: 5,
	StageDownload:   15,
	StageExtract:    40,
	StageScoring:    75,
	StageFinalizing: 90,
	StageRetrying:   0,
	StageDone:       100,
	StageFailed:     100,
}

// Pct returns the approximate percentage for the stage.
func (s Stage) Pct() int {
	return stagePct[s]
}
