// Package setup runs the one-time preparation that precedes load: wait for
// the target to become ready, authenticate once, and create the organization
// and project every virtual user will work in.
//
// Any failure is fatal. Setup either returns a complete *Fixture or a
// *StepError naming the step that failed; there is no partial result.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/tasklane/loadgate/internal/http"
	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/retry"
)

// MetricAuthRequestLink is the latency trend of the credential request.
const MetricAuthRequestLink = "p95_auth_request_link"

// Step names used in errors and logs.
const (
	StepReady         = "ready"
	StepRequestLink   = "request-link"
	StepRedeem        = "redeem"
	StepOrgCreate     = "org create"
	StepProjectCreate = "project create"
)

const bodyExcerpt = 512

// RegisterMetrics registers the sinks setup writes to.
func RegisterMetrics(reg *metrics.Registry) {
	reg.Trend(MetricAuthRequestLink)
	reg.Rate(metrics.FailRate)
}

// Coordinator performs setup against one target.
type Coordinator struct {
	client *http.Client
	reg    *metrics.Registry
	logger *zap.Logger
	sleep  retry.SleepFunc
	newID  func() string

	readyAttempts int
	readyInterval time.Duration

	authAttempts     int
	authBaseDelay    time.Duration
	resourceAttempts int
	resourceDelay    time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSleep replaces the real-time sleeper for readiness polling and retry
// backoff.
func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

// WithReadiness sets how many times /ready is polled and the pause between
// polls.
func WithReadiness(attempts int, interval time.Duration) Option {
	return func(c *Coordinator) {
		c.readyAttempts = attempts
		c.readyInterval = interval
	}
}

// WithAuthRetry sets the retry budget for the two authentication calls.
func WithAuthRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		c.authAttempts = attempts
		c.authBaseDelay = baseDelay
	}
}

// WithResourceRetry sets the retry budget for organization and project
// creation.
func WithResourceRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		c.resourceAttempts = attempts
		c.resourceDelay = baseDelay
	}
}

// WithIDSource replaces the generator of the unique suffix used for the
// setup email and organization name.
func WithIDSource(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// NewCoordinator creates a coordinator. Setup calls go through client, whose
// observer should be reg so they count towards the built-in HTTP sinks.
func NewCoordinator(client *http.Client, reg *metrics.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:           client,
		reg:              reg,
		logger:           zap.NewNop(),
		sleep:            retry.Sleep,
		newID:            uuid.NewString,
		readyAttempts:    80,
		readyInterval:    250 * time.Millisecond,
		authAttempts:     8,
		authBaseDelay:    200 * time.Millisecond,
		resourceAttempts: 6,
		resourceDelay:    250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	RegisterMetrics(reg)
	return c
}

// Run performs setup. It returns a complete fixture or a *StepError.
func (c *Coordinator) Run(ctx context.Context) (*Fixture, error) {
	start := time.Now()

	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	id := c.newID()
	email := fmt.Sprintf("loadgate_setup_%s@example.com", id)

	token, err := c.step(ctx, stepSpec{
		name:   StepRequestLink,
		call:   "auth_request_link",
		field:  "token",
		schema: tokenSchema,
		policy: c.authPolicy("auth_request_link"),
		trend:  c.reg.Trend(MetricAuthRequestLink),
		req:    http.Post("/auth/request-link", map[string]string{"email": email}),
	})
	if err != nil {
		return nil, err
	}

	jwt, err := c.step(ctx, stepSpec{
		name:   StepRedeem,
		call:   "auth_redeem",
		field:  "access_token",
		schema: accessTokenSchema,
		policy: c.authPolicy("auth_redeem"),
		req:    http.Post("/auth/redeem", map[string]string{"token": token}),
	})
	if err != nil {
		return nil, err
	}

	orgID, err := c.step(ctx, stepSpec{
		name:   StepOrgCreate,
		call:   "org_create",
		field:  "id",
		schema: idSchema,
		policy: c.resourcePolicy("org_create"),
		req:    http.Post("/orgs", map[string]string{"name": "loadgate org " + id}).WithBearer(jwt),
	})
	if err != nil {
		return nil, err
	}

	projectID, err := c.step(ctx, stepSpec{
		name:   StepProjectCreate,
		call:   "project_create",
		field:  "id",
		schema: idSchema,
		policy: c.resourcePolicy("project_create"),
		req:    http.Post("/orgs/"+orgID+"/projects", map[string]string{"name": "loadgate proj"}).WithBearer(jwt),
	})
	if err != nil {
		return nil, err
	}

	fixture, err := NewFixture(jwt, orgID, projectID)
	if err != nil {
		return nil, &StepError{Step: StepProjectCreate, Reason: err.Error()}
	}

	c.logger.Info("setup complete",
		zap.String("orgId", orgID),
		zap.String("projectId", projectID),
		zap.Duration("took", time.Since(start)))
	return fixture, nil
}

func (c *Coordinator) authPolicy(name string) *retry.Policy {
	return retry.NewPolicy(c.authAttempts, c.authBaseDelay,
		retry.WithSleep(c.sleep), retry.WithLogger(c.logger), retry.WithName(name))
}

func (c *Coordinator) resourcePolicy(name string) *retry.Policy {
	return retry.NewPolicy(c.resourceAttempts, c.resourceDelay,
		retry.WithSleep(c.sleep), retry.WithLogger(c.logger), retry.WithName(name))
}

func (c *Coordinator) waitReady(ctx context.Context) error {
	var last *http.Response
	for i := 0; i < c.readyAttempts; i++ {
		last = c.client.Call(ctx, "ready", http.Get("/ready"))
		if last.StatusCode == 200 {
			c.logger.Info("target ready", zap.Int("polls", i+1))
			return nil
		}
		if i == c.readyAttempts-1 {
			break
		}
		if err := c.sleep(ctx, c.readyInterval); err != nil {
			return &StepError{Step: StepReady, Status: last.StatusCode, Reason: "interrupted", Attempts: i + 1, Err: err}
		}
	}

	serr := &StepError{
		Step:     StepReady,
		Reason:   fmt.Sprintf("not ready after %d polls", c.readyAttempts),
		Attempts: c.readyAttempts,
		Err:      ErrNotReady,
	}
	if last != nil {
		serr.Status = last.StatusCode
		serr.Body = last.Snippet(bodyExcerpt)
	}
	return serr
}

type stepSpec struct {
	name   string
	call   string
	field  string
	schema *jsonschema.Schema
	policy *retry.Policy
	trend  *metrics.Trend
	req    *http.Request
}

// step runs one retried setup call and returns the required field's value.
func (c *Coordinator) step(ctx context.Context, s stepSpec) (string, error) {
	resp, attempts := retry.Do(ctx, s.policy, func(ctx context.Context) *http.Response {
		return c.client.Call(ctx, s.call, s.req)
	})

	if s.trend != nil {
		s.trend.AddDuration(resp.Duration())
	}
	c.reg.Rate(metrics.FailRate).Add(resp.StatusCode != 200)

	if !c.reg.Check(s.name+" 200", resp.OK()) {
		reason := "unexpected status"
		if resp.StatusCode == 0 {
			reason = "no response"
		}
		return "", &StepError{
			Step:     s.name,
			Status:   resp.StatusCode,
			Body:     resp.Snippet(bodyExcerpt),
			Reason:   reason,
			Attempts: attempts,
			Err:      resp.Err,
		}
	}

	if err := validateShape(s.schema, resp.Body); err != nil {
		return "", &StepError{
			Step:     s.name,
			Status:   resp.StatusCode,
			Body:     resp.Snippet(bodyExcerpt),
			Reason:   fmt.Sprintf("missing %s", s.field),
			Attempts: attempts,
			Err:      err,
		}
	}
	value := resp.JSON(s.field).String()

	c.logger.Info("setup step ok",
		zap.String("step", s.name),
		zap.Int("status", resp.StatusCode),
		zap.Int("attempts", attempts))
	return value, nil
}
