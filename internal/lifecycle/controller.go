// Package lifecycle implements the Lifecycle Controller (spec.md §4.3):
// ensure_running (wake, single-flight) and do_activity_check (suspend).
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Zallist/slumber-proxy/internal/activity"
	"github.com/Zallist/slumber-proxy/internal/runtime"
)

// Action is the configured suspend action (spec.md §3 inactive_action).
type Action int

const (
	ActionPause Action = iota
	ActionStop
)

func (a Action) String() string {
	if a == ActionStop {
		return "stop"
	}
	return "pause"
}

const healthCheckCap = 5 * time.Minute

// Config is the subset of ApplicationConfig the controller needs.
type Config struct {
	ContainerName       string
	ApplyToComposeGroup bool
	InactiveAfter       time.Duration
	InactiveAction      Action
	StartupDelay        time.Duration
	HealthcheckEnabled  bool
	HealthcheckInterval time.Duration
}

// Controller keeps is_inactive aligned with observed activity and
// guarantees single-flight wake (spec.md invariant I1).
//
// Single-flight wake is grounded on spec.md §9's own "mutex-protected
// optional awaitable" design note, rendered with
// golang.org/x/sync/singleflight: first caller becomes master and runs the
// wake, concurrent callers join the same call, install/clear are atomic by
// construction of singleflight.Group.Do.
type Controller struct {
	cfg      Config
	resolver *runtime.Resolver
	client   *runtime.Client
	clock    *activity.Clock
	log      *logrus.Entry

	sf singleflight.Group

	mu           sync.Mutex
	isInactive   bool
	wakeInFlight bool
}

// New builds a Controller. The engine starts believing the group is
// inactive until the first successful wake, matching a freshly started
// proxy in front of a stopped container. Container events never clear
// that belief; only a successful wake does.
func New(cfg Config, resolver *runtime.Resolver, client *runtime.Client, clock *activity.Clock, log *logrus.Entry) *Controller {
	return &Controller{
		cfg:        cfg,
		resolver:   resolver,
		client:     client,
		clock:      clock,
		log:        log,
		isInactive: true,
	}
}

// IsInactive reports the controller's current belief about the container
// group's liveness.
func (c *Controller) IsInactive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInactive
}

func (c *Controller) setInactive(v bool) {
	c.mu.Lock()
	c.isInactive = v
	c.mu.Unlock()
}

// EnsureRunning returns true iff the controller is confident the container
// group is live, waking it first if necessary (spec.md §4.3). A caller
// whose ctx is cancelled stops waiting but does not abort the wake for
// other waiters (spec.md §5 Cancellation).
func (c *Controller) EnsureRunning(ctx context.Context) (bool, error) {
	c.mu.Lock()
	inactive := c.isInactive
	c.mu.Unlock()

	if !inactive {
		return true, nil
	}

	ch := c.sf.DoChan("wake", func() (interface{}, error) {
		return c.wake(context.Background())
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// wake runs as the single-flight master for one wake cycle. It is invoked
// on a detached context so a cancelled waiter never aborts it.
func (c *Controller) wake(ctx context.Context) (bool, error) {
	c.mu.Lock()
	c.wakeInFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.wakeInFlight = false
		c.mu.Unlock()
	}()

	c.log.Info("wake requested")

	ids, err := c.resolver.Resolve(ctx, c.cfg.ContainerName, c.cfg.ApplyToComposeGroup)
	if err != nil {
		c.log.WithError(err).Warn("wake: resolve container group failed")
		return false, err
	}
	if len(ids) == 0 {
		c.log.Warn("wake: container not found")
		return false, nil
	}

	actionIssued := false
	for _, id := range ids {
		state, err := c.client.InspectContainer(ctx, id)
		if err != nil {
			c.log.WithError(err).WithField("container_id", id).Warn("wake: inspect failed")
			return false, err
		}

		switch {
		case state.Paused:
			if err := c.client.UnpauseContainer(ctx, id); err != nil {
				c.log.WithError(err).WithField("container_id", id).Warn("wake: unpause failed")
				return false, err
			}
			actionIssued = true
		case !state.Running:
			started, err := c.client.StartContainer(ctx, id)
			if err != nil {
				c.log.WithError(err).WithField("container_id", id).Warn("wake: start failed")
				return false, err
			}
			if !started {
				c.log.WithField("container_id", id).Warn("wake: container did not start")
				return false, nil
			}
			actionIssued = true
		}
	}

	if actionIssued {
		time.Sleep(c.cfg.StartupDelay)
	}

	if c.cfg.HealthcheckEnabled {
		if !c.pollHealth(ctx, ids[0]) {
			c.log.Warn("wake: healthcheck did not pass within cap")
			return false, nil
		}
	}

	c.setInactive(false)
	c.log.Info("wake succeeded")
	return true, nil
}

// pollHealth polls a container's inspect result every HealthcheckInterval
// until it reports healthy or healthCheckCap elapses (spec.md §4.3 step 4).
// This is the genuine polling loop the spec mandates, not the single-shot
// early-break variant noted as a bug in spec.md §9.
func (c *Controller) pollHealth(ctx context.Context, id string) bool {
	deadline := time.Now().Add(healthCheckCap)
	ticker := time.NewTicker(c.cfg.HealthcheckInterval)
	defer ticker.Stop()

	for {
		state, err := c.client.InspectContainer(ctx, id)
		if err == nil && state.Running && (state.Health == nil || state.Health.Status == "" || state.Health.Status == "healthy") {
			return true
		}
		if err != nil {
			c.log.WithError(err).Debug("healthcheck poll: inspect failed")
		}

		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// CheckActivity is the inactivity timer tick (spec.md §4.3
// do_activity_check), run on a timer every check_interval by the owning
// engine.
func (c *Controller) CheckActivity(ctx context.Context) {
	if c.clock.Elapsed() < c.cfg.InactiveAfter {
		return
	}

	ids, err := c.resolver.Resolve(ctx, c.cfg.ContainerName, c.cfg.ApplyToComposeGroup)
	if err != nil {
		c.log.WithError(err).Warn("activity check: resolve container group failed, cycle abandoned")
		return
	}
	if len(ids) == 0 {
		c.clock.Mark()
		return
	}

	wasInactive := c.IsInactive()

	for _, id := range ids {
		var suspendErr error
		if c.cfg.InactiveAction == ActionStop {
			suspendErr = c.client.StopContainer(ctx, id)
		} else {
			suspendErr = c.client.PauseContainer(ctx, id)
		}
		if suspendErr != nil {
			c.log.WithError(suspendErr).WithField("container_id", id).Warn("activity check: suspend action failed")
		}
	}

	if wasInactive {
		c.log.Debug("re-asserting suspended")
	} else {
		c.log.WithField("action", c.cfg.InactiveAction.String()).Info("suspending idle container group")
	}

	c.setInactive(true)
	c.clock.Mark()
}

// HandleContainerEvent applies spec.md §4.1's state-effect rules for a
// single container-scoped event already filtered to this engine's group.
func (c *Controller) HandleContainerEvent(ctx context.Context, status string) {
	inactive := c.IsInactive()

	switch {
	case !inactive && isDeathStatus(status):
		c.setInactive(true)
		c.log.WithField("status", status).Info("container left running state externally, marking inactive")

	case !inactive && c.cfg.HealthcheckEnabled && status == "health_status":
		c.checkHealthOnEvent(ctx)

	case inactive && !c.wakeInProgress() && isRestartStatus(status):
		c.setInactive(true)
		c.log.WithField("status", status).Debug("container restarted externally while suspended, forcing re-check")
	}
}

func (c *Controller) wakeInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeInFlight
}

func (c *Controller) checkHealthOnEvent(ctx context.Context) {
	ids, err := c.resolver.Resolve(ctx, c.cfg.ContainerName, c.cfg.ApplyToComposeGroup)
	if err != nil || len(ids) == 0 {
		return
	}

	state, err := c.client.InspectContainer(ctx, ids[0])
	if err != nil {
		return
	}
	if state.Health != nil && state.Health.Status != "" && state.Health.Status != "healthy" {
		c.setInactive(true)
		c.log.WithField("health_status", state.Health.Status).Info("healthcheck reported unhealthy, marking inactive")
	}
}

func isDeathStatus(status string) bool {
	switch status {
	case "die", "kill", "stop", "pause":
		return true
	}
	return false
}

func isRestartStatus(status string) bool {
	switch status {
	case "unpause", "start", "restart":
		return true
	}
	return false
}
