package multitable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"dwetl/internal/metrics"
	"dwetl/internal/parser/csv"
	"dwetl/internal/schema"
	"dwetl/internal/storage"
	"dwetl/internal/transformer"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Sink receives the two per-run artifacts. *sink.Writer implements it.
type Sink interface {
	WriteRejected(ctx context.Context, d schema.Descriptor, header []string, rows []transformer.Rejection, ts time.Time) (string, error)
	WriteProcessed(ctx context.Context, d schema.Descriptor, recs []transformer.Record, ts time.Time) (string, error)
}

// Engine runs the extract → validate → reject → stage → merge → export
// pipeline for one entity at a time.
type Engine struct {
	Repo     storage.Repository
	Sink     Sink
	Settings Settings

	// Clock stamps artifacts and measures steps. Nil means the real clock.
	Clock clockwork.Clock
	// Logger receives one line per transition. Nil discards.
	Logger Logger
	// NewRunID is a seam for deterministic run ids. Nil means uuid.NewString.
	NewRunID func() string
}

// Result summarizes one entity run.
type Result struct {
	Entity string
	RunID  string
	State  State
	// FailedFrom is the last state reached when State is StateFailed.
	FailedFrom State

	Read       int
	Accepted   int
	Rejected   int
	FKRejected int
	Merged     int64

	RejectedPath  string
	ProcessedPath string
	Timestamp     time.Time
	Duration      time.Duration

	// Err is a *StageError when State is StateFailed.
	Err error
}

// OK reports whether the run reached Done.
func (r Result) OK() bool { return r.State == StateDone }

// Run executes the pipeline for d and returns its outcome. It never panics on
// bad input; every failure ends in StateFailed with Result.Err set.
//
// Transitions:
//   - Start → Extracted: read the whole extract.
//   - Extracted → Validated: validate, then filter by foreign keys. Only a
//     missing-column schema error or a key read failure fails here.
//   - Validated → Staged: write the rejected artifact (if any rows), then
//     stage the valid records (skipped when there are none).
//   - Staged → Merged: merge staging into the permanent table.
//   - Merged → Exported: write the processed artifact (always, maybe empty).
//   - Exported → Done: drop staging and release the connection.
//
// Failure policy:
//   - The staging table is dropped and the session released on every path.
//   - In CommitStage mode a merge committed before a later failure stays
//     committed. In CommitAtomic mode it is rolled back.
func (e *Engine) Run(ctx context.Context, d schema.Descriptor) Result {
	r := &run{
		e:     e,
		d:     d,
		clock: e.clock(),
	}
	r.res = Result{Entity: d.Name, RunID: e.newRunID(), State: StateStart}
	start := r.clock.Now()
	r.ts = start
	r.res.Timestamp = start

	err := r.execute(ctx)
	r.release(ctx)

	r.res.Duration = r.clock.Since(start)
	if err != nil {
		r.res.FailedFrom = r.res.State
		r.res.State = StateFailed
		r.res.Err = err
		r.logf("failed", "from=%s err=%v", r.res.FailedFrom, err)
	} else {
		r.res.State = StateDone
		r.logf("done", "duration=%s read=%d accepted=%d rejected=%d merged=%d",
			r.res.Duration.Truncate(time.Millisecond), r.res.Read, r.res.Accepted, r.res.Rejected, r.res.Merged)
	}
	metrics.RecordRun(d.Name, r.res.State.String())
	return r.res
}

func (e *Engine) clock() clockwork.Clock {
	if e.Clock == nil {
		return clockwork.NewRealClock()
	}
	return e.Clock
}

func (e *Engine) newRunID() string {
	if e.NewRunID != nil {
		return e.NewRunID()
	}
	return uuid.NewString()
}

// run is the mutable state of one Engine.Run call.
type run struct {
	e     *Engine
	d     schema.Descriptor
	clock clockwork.Clock
	ts    time.Time
	res   Result

	sess   storage.Session
	staged bool
}

func (r *run) logf(stage, format string, v ...any) {
	if r.e.Logger == nil {
		return
	}
	args := append([]any{stage, r.d.Name, r.res.RunID}, v...)
	r.e.Logger.Printf("stage=%s entity=%s run_id=%s "+format, args...)
}

// step times fn and records it; a failure becomes a *StageError from the
// current state.
func (r *run) step(name string, fn func() error) error {
	t0 := r.clock.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
		err = &StageError{Entity: r.d.Name, Stage: name, From: r.res.State, Err: err}
	}
	metrics.RecordStep(r.d.Name, name, status, r.clock.Since(t0))
	return err
}

func (r *run) execute(ctx context.Context) error {
	if r.e.Repo == nil || r.e.Sink == nil {
		return &StageError{Entity: r.d.Name, Stage: "init", From: StateStart, Err: errors.New("engine: Repo and Sink are required")}
	}
	atomic := r.e.Settings.CommitMode == CommitAtomic

	// Start → Extracted
	var b *csv.Batch
	if err := r.step("extract", func() (err error) {
		b, err = Extract(ctx, r.e.Settings, r.d, r.ts)
		return err
	}); err != nil {
		return err
	}
	r.res.Read = len(b.Rows)
	r.logf("extract", "ok rows=%d source=%s", r.res.Read, b.Source)
	metrics.RecordRecords(r.d.Name, metrics.KindRead, r.res.Read)
	r.res.State = StateExtracted

	// Extracted → Validated
	var cls Classification
	if err := r.step("validate", func() (err error) {
		cls, err = Classify(ctx, r.e.Repo, b, r.d, r.e.Settings.Validate)
		return err
	}); err != nil {
		return err
	}
	r.res.Accepted = len(cls.Valid)
	r.res.Rejected = len(cls.Rejected)
	r.res.FKRejected = cls.FKRejected
	r.logf("validate", "accepted=%d rejected=%d", r.res.Accepted, r.res.Rejected-r.res.FKRejected)
	if len(r.d.ForeignKeys) > 0 {
		r.logf("fk_filter", "fk_rejected=%d", r.res.FKRejected)
	}
	metrics.RecordRecords(r.d.Name, metrics.KindAccepted, r.res.Accepted)
	metrics.RecordRecords(r.d.Name, metrics.KindRejected, r.res.Rejected-r.res.FKRejected)
	metrics.RecordRecords(r.d.Name, metrics.KindFKRejected, r.res.FKRejected)
	r.res.State = StateValidated

	// Validated → Staged
	if len(cls.Rejected) > 0 {
		if err := r.step("reject", func() error {
			p, err := r.e.Sink.WriteRejected(ctx, r.d, b.Header, cls.Rejected, r.ts)
			if err != nil {
				return err
			}
			r.res.RejectedPath = p
			r.logf("reject", "rows=%d path=%s", len(cls.Rejected), p)
			return nil
		}); err != nil {
			return err
		}
	}
	if len(cls.Valid) > 0 {
		if err := r.step("stage", func() error {
			sess, err := r.e.Repo.OpenSession(ctx)
			if err != nil {
				return err
			}
			r.sess = sess
			if atomic {
				if err := sess.Begin(ctx); err != nil {
					return err
				}
			}
			r.staged = true
			n, err := StageRecords(ctx, sess, r.d, cls.Valid)
			if err != nil {
				return err
			}
			r.logf("stage", "rows=%d table=%s", n, r.d.StagingTable())
			return nil
		}); err != nil {
			return err
		}
	} else {
		r.logf("stage", "skipped empty batch")
	}
	r.res.State = StateStaged

	// Staged → Merged
	if r.sess != nil {
		if err := r.step("merge", func() error {
			if !atomic {
				if err := r.sess.Begin(ctx); err != nil {
					return err
				}
			}
			n, err := r.sess.Merge(ctx, r.d.MergeSpec())
			if err != nil {
				return err
			}
			if !atomic {
				if err := r.sess.Commit(ctx); err != nil {
					return err
				}
			}
			r.res.Merged = n
			r.logf("merge", "affected=%d table=%s", n, r.d.Table)
			metrics.RecordRecords(r.d.Name, metrics.KindMerged, int(n))
			return nil
		}); err != nil {
			return err
		}
	}
	r.res.State = StateMerged

	// Merged → Exported
	if err := r.step("export", func() error {
		p, err := r.e.Sink.WriteProcessed(ctx, r.d, cls.Valid, r.ts)
		if err != nil {
			return err
		}
		r.res.ProcessedPath = p
		r.logf("export", "rows=%d path=%s", len(cls.Valid), p)
		if atomic && r.sess != nil {
			if err := r.sess.Commit(ctx); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	r.res.State = StateExported
	return nil
}

// release rolls back any open transaction, drops staging and returns the
// connection. It runs on every path, with a context that survives
// cancellation of the caller's.
func (r *run) release(ctx context.Context) {
	if r.sess == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.sess.Rollback(ctx); err != nil {
		r.logf("release", "rollback err=%v", err)
	}
	if r.staged {
		if err := r.sess.DropStaging(ctx, r.d.StagingTable()); err != nil {
			r.logf("release", "drop staging err=%v", err)
		}
	}
	if err := r.sess.Close(); err != nil {
		r.logf("release", "close session err=%v", err)
	}
	r.sess = nil
}
