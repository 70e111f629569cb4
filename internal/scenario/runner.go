// Package scenario drives one job through the control plane while verifying the
// state changes pushed for it.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"eventbvt/internal/apperrors"
	"eventbvt/internal/hpc"
	"eventbvt/internal/signalr"
	"eventbvt/internal/verifier"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultWaitTimeout bounds the wait for terminal states.
const DefaultWaitTimeout = 30 * time.Second

// ControlPlane creates and submits jobs.
type ControlPlane interface {
	CreateJob(ctx context.Context, descriptor hpc.JobDescriptor) (int, error)
	SubmitJob(ctx context.Context, jobID int) error
}

// MetricsRecorder records run metrics.
type MetricsRecorder interface {
	RecordEventReceived(ctx context.Context, hub string)
	RecordEventIgnored(ctx context.Context, hub string)
	RecordTransitionRejected(ctx context.Context, hub string)
	RecordTransportError(ctx context.Context)
	RecordRun(ctx context.Context, success bool, durationSeconds float64)
}

// Runner runs the verification scenario once per Run call.
type Runner struct {
	ControlPlane ControlPlane
	// Connect opens the push session. It is called after the job is created.
	Connect    func(ctx context.Context) (*signalr.Conn, error)
	Descriptor hpc.JobDescriptor
	// WaitTimeout is the hard deadline for both verifiers to reach an end state.
	WaitTimeout time.Duration
	// TaskID selects the task the task verifiers watch; zero watches every task of
	// the job, each instance on its own chain.
	TaskID int
	// FailOnTransportError aborts the run on push session faults instead of logging them.
	FailOnTransportError bool
	// BufferSize bounds each subscription channel (default: signalr's default).
	BufferSize int
	Logger     *slog.Logger
	Metrics    MetricsRecorder
}

// Result describes a finished run.
type Result struct {
	RunID      string
	JobID      int
	JobState   string
	TaskState  string
	JobEvents  int
	TaskEvents int
	Elapsed    time.Duration
}

type decodeFunc func(args []json.RawMessage) (hpc.StateChange, error)

// chain is the view of a verifier the runner needs. A single job verifier and
// the per-instance task group both satisfy it.
type chain interface {
	Name() string
	Apply(ev hpc.StateChange) (bool, error)
	Done() <-chan struct{}
	State() string
	Observed() int
	CheckTerminal() error
}

// Run creates the job, listens for its state changes, submits it and waits for
// both the job and its task to finish. Any error fails the run.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	start := time.Now()
	res.RunID = uuid.NewString()
	logger := r.logger().With("runId", res.RunID)
	metrics := r.metrics()
	mctx := context.WithoutCancel(ctx)

	defer func() {
		res.Elapsed = time.Since(start)
		metrics.RecordRun(mctx, err == nil, res.Elapsed.Seconds())
		if err != nil {
			logger.Error("Run failed", "error", err, "job", res.JobID, "elapsed", res.Elapsed)
			return
		}
		logger.Info("Run passed", "job", res.JobID, "elapsed", res.Elapsed,
			"jobEvents", res.JobEvents, "taskEvents", res.TaskEvents)
	}()

	descriptor := r.Descriptor
	if len(descriptor.Tasks) == 0 {
		descriptor = hpc.DefaultJob()
	}
	if err := descriptor.Validate(); err != nil {
		return res, err
	}

	jobID, err := r.ControlPlane.CreateJob(ctx, descriptor)
	if err != nil {
		return res, err
	}
	if jobID == 0 {
		return res, apperrors.Assertion("job creation returned job id 0")
	}
	res.JobID = jobID
	logger = logger.With("job", jobID)

	conn, err := r.Connect(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = conn.Close() }()

	jobHub := conn.Hub(hpc.JobEventHub)
	taskHub := conn.Hub(hpc.TaskEventHub)
	jobPushes := jobHub.Subscribe(hpc.JobStateChange, r.BufferSize)
	taskPushes := taskHub.Subscribe(hpc.TaskStateChange, r.BufferSize)

	jobVerifier := verifier.New("job", verifier.InitialJobState, verifier.Scope{JobID: jobID})
	expectedTasks := len(descriptor.Tasks)
	if r.TaskID > 0 {
		expectedTasks = 1
	}
	taskVerifier := verifier.NewGroup("task", verifier.InitialTaskState,
		verifier.Scope{JobID: jobID, TaskID: r.TaskID}, expectedTasks)

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(listenCtx)
	g.Go(func() error {
		return r.consume(gctx, mctx, logger, hpc.JobEventHub, jobPushes, hpc.DecodeJobStateChange, jobVerifier)
	})
	g.Go(func() error {
		return r.consume(gctx, mctx, logger, hpc.TaskEventHub, taskPushes, hpc.DecodeTaskStateChange, taskVerifier)
	})
	g.Go(func() error {
		return r.watchTransport(gctx, mctx, logger, conn)
	})

	driveErr := r.drive(gctx, logger, jobID, []*signalr.Hub{jobHub, taskHub}, jobVerifier, taskVerifier)
	cancel()
	groupErr := g.Wait()

	res.JobState, res.JobEvents = jobVerifier.State(), jobVerifier.Observed()
	res.TaskState, res.TaskEvents = taskVerifier.State(), taskVerifier.Observed()

	if groupErr != nil {
		return res, groupErr
	}
	if driveErr != nil {
		return res, driveErr
	}
	if err := jobVerifier.CheckTerminal(); err != nil {
		return res, err
	}
	if err := taskVerifier.CheckTerminal(); err != nil {
		return res, err
	}
	return res, nil
}

// drive subscribes to the job's events on every hub, submits the job and waits.
func (r *Runner) drive(ctx context.Context, logger *slog.Logger, jobID int, hubs []*signalr.Hub, verifiers ...chain) error {
	logger.Info("Begin to listen")
	for _, hub := range hubs {
		if _, err := hub.Invoke(ctx, hpc.BeginListen, jobID); err != nil {
			return err
		}
	}

	if err := r.ControlPlane.SubmitJob(ctx, jobID); err != nil {
		return err
	}

	timeout := r.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, v := range verifiers {
		select {
		case <-v.Done():
		case <-timer.C:
			logger.Warn("Wait deadline reached", "timeout", timeout, "verifier", v.Name(), "state", v.State())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// consume feeds one hub's pushes to its verifier until the channel closes or ctx ends.
func (r *Runner) consume(ctx, mctx context.Context, logger *slog.Logger, hub string,
	pushes <-chan signalr.Invocation, decode decodeFunc, v chain) error {
	metrics := r.metrics()
	for {
		var inv signalr.Invocation
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case inv, ok = <-pushes:
			if !ok {
				return nil
			}
		}
		metrics.RecordEventReceived(mctx, hub)

		ev, err := decode(inv.Args)
		if err != nil {
			if err := r.transportFault(mctx, logger, err); err != nil {
				return err
			}
			continue
		}
		logger.Info("State change", "hub", hub, "event", ev.String())

		accepted, err := v.Apply(ev)
		if err != nil {
			metrics.RecordTransitionRejected(mctx, hub)
			return err
		}
		if !accepted {
			metrics.RecordEventIgnored(mctx, hub)
			logger.Debug("Event out of scope", "hub", hub, "event", ev.String())
		}
	}
}

// watchTransport handles asynchronous session faults.
func (r *Runner) watchTransport(ctx, mctx context.Context, logger *slog.Logger, conn *signalr.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-conn.Errors():
			if err := r.transportFault(mctx, logger, err); err != nil {
				return err
			}
		case <-conn.Done():
			for {
				select {
				case err := <-conn.Errors():
					if err := r.transportFault(mctx, logger, err); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (r *Runner) transportFault(mctx context.Context, logger *slog.Logger, err error) error {
	r.metrics().RecordTransportError(mctx)
	if r.FailOnTransportError {
		return err
	}
	if !errors.Is(err, apperrors.ErrTransport) {
		err = apperrors.Transport("scenario", err)
	}
	logger.Warn("Push session fault, continuing", "error", err)
	return nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) metrics() MetricsRecorder {
	if r.Metrics != nil {
		return r.Metrics
	}
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordEventReceived(context.Context, string)      {}
func (noopMetrics) RecordEventIgnored(context.Context, string)       {}
func (noopMetrics) RecordTransitionRejected(context.Context, string) {}
func (noopMetrics) RecordTransportError(context.Context)             {}
func (noopMetrics) RecordRun(context.Context, bool, float64)         {}
