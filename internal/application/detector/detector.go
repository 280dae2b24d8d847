// Package detector waits for a unit's artifact to satisfy a stage
// predicate by polling it.
package detector

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
)

// ErrTimedOut is returned when the predicate did not hold before the deadline
var ErrTimedOut = errors.New("completion condition not met before timeout")

// DefaultPollInterval is used when the caller passes zero
const DefaultPollInterval = 2 * time.Second

// Predicate is a condition over a parsed artifact. It is only called with
// a non-nil value.
type Predicate func(p *artifact.Parsed) bool

// ArtifactReader is the part of the artifact store the detector needs
type ArtifactReader interface {
	Read(unitID string) (artifact.Snapshot, error)
}

// Outcome describes how a wait ended
type Outcome struct {
	Parsed    *artifact.Parsed // last parsed content, nil if never read
	Polls     int
	Parses    int
	Elapsed   time.Duration
	Satisfied bool
}

// Detector polls artifacts until a predicate holds or a deadline passes
type Detector struct {
	reader ArtifactReader
	logger app.Logger
	now    func() time.Time
}

// New creates a detector reading through the given store
func New(reader ArtifactReader, logger app.Logger) *Detector {
	return &Detector{
		reader: reader,
		logger: app.LoggerOr(logger),
		now:    time.Now,
	}
}

// Wait polls the unit's artifact every interval until pred holds or
// timeout elapses. It returns ErrTimedOut no earlier than the timeout and
// makes a final check at the deadline. A missing or unreadable artifact
// counts as "not yet". ctx only interrupts the wait on shutdown.
func (d *Detector) Wait(ctx context.Context, unitID string, pred Predicate, timeout, interval time.Duration) (Outcome, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	start := d.now()
	deadline := start.Add(timeout)
	out := Outcome{}

	var last []byte
	haveLast := false

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		out.Polls++
		snap, err := d.reader.Read(unitID)
		switch {
		case err == nil:
			// Identical bytes give an identical parse and verdict
			if !haveLast || !bytes.Equal(snap.Content, last) {
				last, haveLast = snap.Content, true
				out.Parsed = artifact.Parse(snap.Content)
				out.Parses++
				if pred(out.Parsed) {
					out.Satisfied = true
					out.Elapsed = d.now().Sub(start)
					return out, nil
				}
			}
		case errors.Is(err, artifact.ErrNotFound):
			haveLast = false
		default:
			d.logger.Debug("artifact %s not readable yet: %v", unitID, err)
			haveLast = false
		}

		now := d.now()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			out.Elapsed = now.Sub(start)
			return out, ErrTimedOut
		}

		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			out.Elapsed = d.now().Sub(start)
			return out, ctx.Err()
		case <-timer.C:
		}
	}
}
