// Package autoscale implements the feedback-driven concurrency controller
// that runs crawler tasks. Desired concurrency grows while the system has
// been healthy over the sampling window and shrinks as soon as the short
// window turns bad, so the pool adapts without oscillation.
package autoscale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/crawlkit/crawlkit/internal/snapshot"
	"github.com/crawlkit/crawlkit/internal/types"
)

// State is the lifecycle state of the pool.
type State string

// Pool lifecycle states. Transitions: created → running → (paused ⇄ running)
// → stopping → stopped. Aborted is terminal from any state.
const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateAborted  State = "aborted"
)

// Options configures a Pool. RunTaskFunc, IsTaskReadyFunc, and
// IsFinishedFunc are required.
type Options struct {
	// RunTaskFunc executes one task. A non-nil return that is not a context
	// cancellation is fatal: the pool cancels in-flight tasks and Run
	// returns the error.
	RunTaskFunc func(ctx context.Context) error

	// IsTaskReadyFunc reports whether another task may start now.
	IsTaskReadyFunc func(ctx context.Context) (bool, error)

	// IsFinishedFunc reports whether the run is complete. It is consulted
	// only while the pool is idle.
	IsFinishedFunc func(ctx context.Context) (bool, error)

	// Status supplies the overload classification driving scaling
	// decisions. When nil the pool behaves as if the system were always OK.
	Status snapshot.SystemStatus

	MinConcurrency int // default 1
	MaxConcurrency int // default 200

	// DesiredConcurrencyRatio is the saturation bar for scale-up: current
	// must be at least this fraction of desired. Default 0.95.
	DesiredConcurrencyRatio float64

	ScaleUpStepRatio   float64 // default 0.05
	ScaleDownStepRatio float64 // default 0.05

	MaybeRunInterval  time.Duration // default 500ms
	AutoscaleInterval time.Duration // default 10s

	// MaxTasksPerMinute caps task starts with a token bucket.
	// Zero means unlimited.
	MaxTasksPerMinute int
}

func (o *Options) applyDefaults() error {
	if o.RunTaskFunc == nil || o.IsTaskReadyFunc == nil || o.IsFinishedFunc == nil {
		return errors.New("autoscale: RunTaskFunc, IsTaskReadyFunc, and IsFinishedFunc are required")
	}
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 200
	}
	if o.MaxConcurrency < o.MinConcurrency {
		return fmt.Errorf("autoscale: maxConcurrency %d below minConcurrency %d", o.MaxConcurrency, o.MinConcurrency)
	}
	if o.DesiredConcurrencyRatio <= 0 || o.DesiredConcurrencyRatio > 1 {
		o.DesiredConcurrencyRatio = 0.95
	}
	if o.ScaleUpStepRatio <= 0 {
		o.ScaleUpStepRatio = 0.05
	}
	if o.ScaleDownStepRatio <= 0 {
		o.ScaleDownStepRatio = 0.05
	}
	if o.MaybeRunInterval <= 0 {
		o.MaybeRunInterval = 500 * time.Millisecond
	}
	if o.AutoscaleInterval <= 0 {
		o.AutoscaleInterval = 10 * time.Second
	}
	if o.MaxTasksPerMinute < 0 {
		return fmt.Errorf("autoscale: negative maxTasksPerMinute %d", o.MaxTasksPerMinute)
	}
	return nil
}

// Pool runs tasks in parallel up to a desired concurrency that tracks
// system health.
type Pool struct {
	opts Options

	mu      sync.Mutex
	state   State
	desired int

	current atomic.Int32

	limiter *rate.Limiter

	// nudgeCh wakes the run loop when a task settles so the next task can
	// start without waiting for the ticker.
	nudgeCh chan struct{}
	fatalCh chan error

	cancelTasks context.CancelFunc
	taskWg      sync.WaitGroup
}

// New creates a pool in the created state.
func New(opts Options) (*Pool, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	p := &Pool{
		opts:    opts,
		state:   StateCreated,
		desired: opts.MinConcurrency,
		nudgeCh: make(chan struct{}, 1),
		fatalCh: make(chan error, 1),
	}
	if opts.MaxTasksPerMinute > 0 {
		// Burst of one keeps task starts spread across the minute, which
		// also keeps any 60s window at or under the configured cap.
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxTasksPerMinute)), 1)
	}
	return p, nil
}

// Run drives tasks until IsFinishedFunc reports true while the pool is
// idle, Abort is called, or a task fails fatally. It blocks the caller.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return fmt.Errorf("autoscale: Run called in state %s", p.state)
	}
	p.state = StateRunning
	taskCtx, cancel := context.WithCancel(ctx)
	p.cancelTasks = cancel
	p.mu.Unlock()
	defer cancel()

	log.Info().
		Int("min_concurrency", p.opts.MinConcurrency).
		Int("max_concurrency", p.opts.MaxConcurrency).
		Dur("autoscale_interval", p.opts.AutoscaleInterval).
		Msg("Autoscaled pool starting")

	maybeRun := time.NewTicker(p.opts.MaybeRunInterval)
	defer maybeRun.Stop()
	scale := time.NewTicker(p.opts.AutoscaleInterval)
	defer scale.Stop()

	for {
		select {
		case <-ctx.Done():
			p.setState(StateAborted)
			return fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

		case err := <-p.fatalCh:
			log.Error().Err(err).Msg("Task failed fatally, cancelling in-flight tasks")
			p.setState(StateAborted)
			cancel()
			p.taskWg.Wait()
			return err

		case <-scale.C:
			p.autoscaleTick()

		case <-maybeRun.C:
			if done, err := p.maybeRunTick(taskCtx); done {
				return err
			}

		case <-p.nudgeCh:
			if done, err := p.maybeRunTick(taskCtx); done {
				return err
			}
		}
	}
}

// maybeRunTick starts tasks up to the desired concurrency and checks for
// termination. Returns done=true when Run should return.
func (p *Pool) maybeRunTick(taskCtx context.Context) (bool, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case StateAborted:
		// Abort without waiting: in-flight tasks were signalled already.
		return true, nil
	case StatePaused:
		return false, nil
	case StateRunning:
	default:
		return false, nil
	}

	for int(p.current.Load()) < p.DesiredConcurrency() {
		if p.limiter != nil && !p.limiter.Allow() {
			// Out of tokens; the next tick will retry.
			break
		}
		ready, err := p.opts.IsTaskReadyFunc(taskCtx)
		if err != nil {
			p.setState(StateAborted)
			return true, err
		}
		if !ready {
			break
		}
		p.startTask(taskCtx)
	}

	if p.current.Load() == 0 {
		finished, err := p.opts.IsFinishedFunc(taskCtx)
		if err != nil {
			p.setState(StateAborted)
			return true, err
		}
		if finished {
			p.setState(StateStopping)
			log.Info().Msg("Autoscaled pool finished")
			p.setState(StateStopped)
			return true, nil
		}
	}
	return false, nil
}

func (p *Pool) startTask(taskCtx context.Context) {
	p.current.Add(1)
	p.taskWg.Add(1)
	go func() {
		defer p.taskWg.Done()
		err := p.opts.RunTaskFunc(taskCtx)
		p.current.Add(-1)
		p.nudge()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			select {
			case p.fatalCh <- err:
			default:
				// A fatal error is already pending; first one wins.
			}
		}
	}()
}

// autoscaleTick adjusts desired concurrency. Scale-up requires a healthy
// full window and a nearly saturated pool; scaling up an idle pool is
// pointless. Scale-down triggers on short-window overload.
func (p *Pool) autoscaleTick() {
	okNow, okHistorically := true, true
	if p.opts.Status != nil {
		okNow = p.opts.Status.IsOkNow()
		okHistorically = p.opts.Status.IsOkHistorically()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := int(p.current.Load())
	saturated := float64(current)/float64(p.desired) >= p.opts.DesiredConcurrencyRatio

	switch {
	case okHistorically && saturated:
		step := int(math.Ceil(float64(p.desired) * p.opts.ScaleUpStepRatio))
		next := p.desired + step
		if next > p.opts.MaxConcurrency {
			next = p.opts.MaxConcurrency
		}
		if next != p.desired {
			log.Debug().
				Int("from", p.desired).
				Int("to", next).
				Msg("Scaling up desired concurrency")
			p.desired = next
		}
	case !okNow:
		step := int(math.Ceil(float64(p.desired) * p.opts.ScaleDownStepRatio))
		next := p.desired - step
		if next < p.opts.MinConcurrency {
			next = p.opts.MinConcurrency
		}
		if next != p.desired {
			log.Debug().
				Int("from", p.desired).
				Int("to", next).
				Msg("Scaling down desired concurrency")
			p.desired = next
		}
	}
}

// Pause stops starting new tasks and waits up to timeout for in-flight
// tasks to finish. Returns types.ErrPauseTimeout if they do not.
func (p *Pool) Pause(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != StateRunning {
		state := p.state
		p.mu.Unlock()
		switch state {
		case StatePaused:
			return nil
		case StateAborted:
			return types.ErrPoolAborted
		default:
			return types.ErrPoolNotRunning
		}
	}
	p.state = StatePaused
	p.mu.Unlock()

	log.Info().Dur("timeout", timeout).Msg("Autoscaled pool pausing")

	deadline := time.Now().Add(timeout)
	for p.current.Load() > 0 {
		if time.Now().After(deadline) {
			log.Warn().
				Int32("in_flight", p.current.Load()).
				Msg("Pause timeout expired with tasks still in flight")
			return types.ErrPauseTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Resume undoes Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StateRunning
	}
	p.mu.Unlock()
	p.nudge()
}

// Abort stops the pool without waiting for in-flight tasks; they receive a
// cancellation signal through their context.
func (p *Pool) Abort() {
	p.mu.Lock()
	if p.state == StateAborted {
		p.mu.Unlock()
		return
	}
	p.state = StateAborted
	cancel := p.cancelTasks
	p.mu.Unlock()

	log.Info().Int32("in_flight", p.current.Load()).Msg("Autoscaled pool aborting")
	if cancel != nil {
		cancel()
	}
	p.nudge()
}

// CurrentConcurrency returns the number of running tasks.
func (p *Pool) CurrentConcurrency() int {
	return int(p.current.Load())
}

// DesiredConcurrency returns the current concurrency target.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// SetDesiredConcurrency overrides the target, clamped to the configured
// bounds. Useful for callers that want to start above the minimum.
func (p *Pool) SetDesiredConcurrency(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.opts.MinConcurrency {
		n = p.opts.MinConcurrency
	}
	if n > p.opts.MaxConcurrency {
		n = p.opts.MaxConcurrency
	}
	p.desired = n
}

// State returns the pool lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	// Aborted is terminal.
	if p.state != StateAborted {
		p.state = s
	}
	p.mu.Unlock()
}

func (p *Pool) nudge() {
	select {
	case p.nudgeCh <- struct{}{}:
	default:
	}
}
