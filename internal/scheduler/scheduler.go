package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/dag"
	"github.com/vk/bootstrapgo/internal/metrics"
	"github.com/vk/bootstrapgo/internal/orchestrator"
)

// ErrSkipped marks a package that never ran because something it needs
// failed or the run was canceled.
var ErrSkipped = errors.New("skipped")

// NodeRunner builds one package of the graph inside workDir.
type NodeRunner interface {
	BuildNode(ctx context.Context, key dag.Key, workDir string) error
}

// State is the lifecycle state of a scheduled package.
type State int32

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Report is the outcome of Execute.
type Report struct {
	Order    []dag.Key
	States   map[dag.Key]State
	Errors   map[dag.Key]error
	Duration time.Duration
}

// Keys returns the packages that ended in state s, in build order.
func (r *Report) Keys(s State) []dag.Key {
	var out []dag.Key
	for _, k := range r.Order {
		if r.States[k] == s {
			out = append(out, k)
		}
	}
	return out
}

// Count returns how many packages ended in state s.
func (r *Report) Count(s State) int { return len(r.Keys(s)) }

type task struct {
	key        dag.Key
	dependents []*task

	depCount atomic.Int32
	state    atomic.Int32
	err      error
	once     sync.Once
}

// Scheduler runs package builds over a bounded worker pool.
type Scheduler struct {
	graph   *dag.Graph
	runner  NodeRunner
	workDir string

	wg sync.WaitGroup
}

// New creates a Scheduler. Each worker builds inside its own
// workDir/worker-N directory.
func New(g *dag.Graph, runner NodeRunner, workDir string) *Scheduler {
	return &Scheduler{graph: g, runner: runner, workDir: workDir}
}

// tasks links every package in order to the earlier packages of its build
// closure. Requirements outside order, or later in it, are ignored.
func (s *Scheduler) tasks(order []dag.Key) ([]*task, error) {
	index := make(map[dag.Key]int, len(order))
	tasks := make([]*task, len(order))
	for i, k := range order {
		if _, dup := index[k]; dup {
			return nil, fmt.Errorf("package %s appears twice in the build order", k)
		}
		if !s.graph.Has(k) || k == dag.RootKey {
			return nil, fmt.Errorf("package %s: %w", k, dag.ErrMissingNode)
		}
		index[k] = i
		tasks[i] = &task{key: k}
	}
	for i, t := range tasks {
		for _, dep := range s.graph.BuildClosure(t.key) {
			j, ok := index[dep]
			if !ok || j >= i {
				continue
			}
			tasks[j].dependents = append(tasks[j].dependents, t)
			t.depCount.Add(1)
		}
	}
	return tasks, nil
}

// Execute builds the packages of order with up to workers concurrent
// builds. It returns once every package is terminal. The error names the
// packages that failed on their own, excluding those merely skipped.
func (s *Scheduler) Execute(ctx context.Context, order []dag.Key, workers int) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	tasks, err := s.tasks(order)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logger.Info("🚀 Parallel build starting.", "packages", len(tasks), "workers", workers)

	readyChan := make(chan *task, len(tasks))
	roots := 0
	for _, t := range tasks {
		if t.depCount.Load() == 0 {
			readyChan <- t
			roots++
		}
	}
	logger.Debug("Found packages with no build requirements.", "count", roots)

	s.wg.Add(len(tasks))
	for i := 0; i < workers; i++ {
		go s.worker(ctx, readyChan, i)
	}
	s.wg.Wait()
	close(readyChan)

	report := &Report{
		Order:    order,
		States:   make(map[dag.Key]State, len(tasks)),
		Errors:   make(map[dag.Key]error),
		Duration: time.Since(start),
	}
	var (
		failed []string
		causes []error
	)
	for _, t := range tasks {
		st := State(t.state.Load())
		report.States[t.key] = st
		metrics.SchedulerNodesTotal.WithLabelValues(st.String()).Inc()
		if t.err == nil {
			continue
		}
		report.Errors[t.key] = t.err
		if st == Failed {
			failed = append(failed, t.key.String())
			causes = append(causes, t.err)
		}
	}

	logger.Info("🏁 Parallel build finished.",
		"succeeded", report.Count(Succeeded),
		"failed", report.Count(Failed),
		"skipped", report.Count(Skipped),
		"duration", report.Duration.Round(time.Millisecond),
	)

	if len(causes) > 0 {
		return report, fmt.Errorf("build failed for %s: %w", strings.Join(failed, ", "), errors.Join(causes...))
	}
	if err := ctx.Err(); err != nil && report.Count(Skipped) > 0 {
		return report, fmt.Errorf("build interrupted: %w", err)
	}
	return report, nil
}

// withProvenance wraps err with the chain of requirements that brought key
// into the graph.
func (s *Scheduler) withProvenance(key dag.Key, err error) error {
	var pe *orchestrator.ProvenanceError
	if errors.As(err, &pe) {
		return err
	}
	return &orchestrator.ProvenanceError{Chain: orchestrator.ChainFor(s.graph, key), Err: err}
}

// skipDependents marks everything downstream of t as skipped.
func (s *Scheduler) skipDependents(ctx context.Context, t *task) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range t.dependents {
		dependent.once.Do(func() {
			logger.Warn("Skipping package due to upstream failure.", "package", dependent.key.String(), "dependency", t.key.String())
			dependent.state.Store(int32(Skipped))
			dependent.err = fmt.Errorf("%w: requirement %s did not build", ErrSkipped, t.key)
			s.wg.Done()
			s.skipDependents(ctx, dependent)
		})
	}
}

func (s *Scheduler) worker(ctx context.Context, readyChan chan *task, workerID int) {
	logger := ctxlog.FromContext(ctx)
	workDir := filepath.Join(s.workDir, fmt.Sprintf("worker-%d", workerID))
	logger.Debug("Worker started.", "workerID", workerID)

	for t := range readyChan {
		name, version := t.key.Split()
		pkgCtx := ctxlog.WithPackage(ctxlog.With(ctx, "workerID", workerID), name, version)
		workerLogger := ctxlog.FromContext(pkgCtx)

		if err := ctx.Err(); err != nil {
			t.once.Do(func() {
				workerLogger.Warn("Context canceled, skipping package.")
				t.state.Store(int32(Skipped))
				t.err = fmt.Errorf("%w: %w", ErrSkipped, err)
				s.wg.Done()
			})
			s.skipDependents(ctx, t)
			continue
		}

		workerLogger.Debug("Worker picked up package.")
		t.state.Store(int32(Running))
		// A started build runs to completion; cancellation only stops
		// further dispatch.
		err := s.runner.BuildNode(context.WithoutCancel(pkgCtx), t.key, workDir)
		if err != nil {
			workerLogger.Error("Package build failed.", "error", err)
			t.state.Store(int32(Failed))
			t.err = s.withProvenance(t.key, err)
			s.skipDependents(ctx, t)
			s.wg.Done()
			continue
		}

		workerLogger.Debug("Package built.")
		t.state.Store(int32(Succeeded))
		for _, dependent := range t.dependents {
			if dependent.depCount.Add(-1) == 0 {
				workerLogger.Debug("Unlocking dependent package.", "dependent", dependent.key.String())
				readyChan <- dependent
			}
		}
		s.wg.Done()
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}
