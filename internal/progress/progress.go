// Package progress keeps the ephemeral per-job snapshot that pollers read.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

// MaxLogLines bounds the log carried by one snapshot; the oldest lines are dropped first.
const MaxLogLines = 200

var (
	ErrNotFound = errors.New("progress snapshot not found")
	// ErrFrozen is returned when a patch targets a snapshot that is already done.
	ErrFrozen = errors.New("progress snapshot is final")
)

type Snapshot struct {
	Token     string    `json:"token"`
	Pct       int       `json:"pct"`
	Stage     string    `json:"stage"`
	Log       []string  `json:"log"`
	Done      bool      `json:"done"`
	Score     *int      `json:"score,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch is a partial update. Zero fields leave the snapshot untouched.
type Patch struct {
	Pct   *int
	Stage string
	Log   []string
	Done  bool
	Score *int
	Error string
}

// StagePatch moves the snapshot to stage and appends line when non-empty.
func StagePatch(stage constants.Stage, line string) Patch {
	pct := stage.Pct()
	p := Patch{Pct: &pct, Stage: string(stage)}
	if line != "" {
		p.Log = []string{line}
	}
	return p
}

// LinePatch appends a single log line.
func LinePatch(line string) Patch {
	return Patch{Log: []string{line}}
}

// DonePatch marks a successful terminal snapshot.
func DonePatch(score int, line string) Patch {
	p := StagePatch(constants.StageDone, line)
	p.Done = true
	p.Score = &score
	return p
}

// FailedPatch marks a failed terminal snapshot carrying msg as its error.
func FailedPatch(msg string) Patch {
	p := StagePatch(constants.StageFailed, msg)
	p.Done = true
	p.Error = msg
	return p
}

// Merge applies p on top of cur. The percentage never decreases and a done snapshot is never changed.
func Merge(cur Snapshot, p Patch, now time.Time) (Snapshot, error) {
	if cur.Done {
		return cur, ErrFrozen
	}
	next := cur
	next.Log = append([]string(nil), cur.Log...)
	if p.Pct != nil && *p.Pct > next.Pct {
		next.Pct = min(*p.Pct, 100)
	}
	if p.Stage != "" {
		next.Stage = p.Stage
	}
	if len(p.Log) > 0 {
		next.Log = append(next.Log, p.Log...)
		if over := len(next.Log) - MaxLogLines; over > 0 {
			next.Log = next.Log[over:]
		}
	}
	if p.Score != nil {
		s := *p.Score
		next.Score = &s
	}
	if p.Error != "" {
		next.Error = p.Error
	}
	if p.Done {
		next.Done = true
		next.Pct = 100
	}
	next.UpdatedAt = now
	return next, nil
}

// Store is the snapshot backend. Publish is an atomic read-modify-write per token.
type Store interface {
	Publish(ctx context.Context, token string, p Patch) (Snapshot, error)
	Read(ctx context.Context, token string) (Snapshot, error)
	// Purge removes snapshots last updated before the cutoff and returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}
