package workload

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tasklane/loadgate/internal/http"
	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/retry"
	"github.com/tasklane/loadgate/internal/setup"
)

// Sinks written by the task API workload.
const (
	MetricTasksCreate        = "p95_tasks_create"
	MetricTasksList          = "p95_tasks_list"
	MetricWebhookStripe      = "p95_webhook_stripe"
	MetricWebhookSuccessRate = "webhook_success_rate"
)

// Step names.
const (
	StepTasksCreate   = "tasks_create"
	StepTasksList     = "tasks_list"
	StepWebhookStripe = "webhook_stripe"
)

// WebhookEvery is the webhook step's modulus.
const WebhookEvery = 5

// RegisterMetrics registers the sinks the task API workload writes to.
func RegisterMetrics(reg *metrics.Registry) {
	reg.Trend(MetricTasksCreate)
	reg.Trend(MetricTasksList)
	reg.Trend(MetricWebhookStripe)
	reg.Rate(MetricWebhookSuccessRate)
	reg.Rate(metrics.FailRate)
}

// TaskAPI drives the task endpoints of one project and delivers invoice
// webhooks.
type TaskAPI struct {
	client  *http.Client
	reg     *metrics.Registry
	fixture *setup.Fixture
	logger  *zap.Logger

	runID         string
	webhookSecret string
	webhookPolicy *retry.Policy
	now           func() time.Time

	createTrend  *metrics.Trend
	listTrend    *metrics.Trend
	webhookTrend *metrics.Trend
	failRate     *metrics.Rate
	webhookRate  *metrics.Rate
}

// Option configures a TaskAPI.
type Option func(*TaskAPI)

// WithRunID sets the run id embedded in webhook correlation ids.
func WithRunID(runID string) Option {
	return func(t *TaskAPI) {
		t.runID = runID
	}
}

// WithWebhookSecret signs webhook deliveries.
func WithWebhookSecret(secret string) Option {
	return func(t *TaskAPI) {
		t.webhookSecret = secret
	}
}

// WithWebhookPolicy replaces the webhook retry policy.
func WithWebhookPolicy(p *retry.Policy) Option {
	return func(t *TaskAPI) {
		t.webhookPolicy = p
	}
}

// WithClock replaces time.Now for event ids and signatures.
func WithClock(now func() time.Time) Option {
	return func(t *TaskAPI) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *TaskAPI) {
		t.logger = logger
	}
}

// NewTaskAPI creates the workload. fixture must be the complete result of
// setup.
func NewTaskAPI(client *http.Client, reg *metrics.Registry, fixture *setup.Fixture, opts ...Option) *TaskAPI {
	t := &TaskAPI{
		client:  client,
		reg:     reg,
		fixture: fixture,
		logger:  zap.NewNop(),
		runID:   "local",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.webhookPolicy == nil {
		t.webhookPolicy = retry.NewPolicy(6, 250*time.Millisecond,
			retry.WithLogger(t.logger), retry.WithName(StepWebhookStripe))
	}

	RegisterMetrics(reg)
	t.createTrend = reg.Trend(MetricTasksCreate)
	t.listTrend = reg.Trend(MetricTasksList)
	t.webhookTrend = reg.Trend(MetricWebhookStripe)
	t.failRate = reg.Rate(metrics.FailRate)
	t.webhookRate = reg.Rate(MetricWebhookSuccessRate)
	return t
}

// Mix returns the per-iteration mix: create and list a task every
// iteration, deliver a webhook every WebhookEvery-th.
func (t *TaskAPI) Mix() *Mix {
	return NewMix(
		Step{Name: StepTasksCreate, Every: 1, Run: t.createTask},
		Step{Name: StepTasksList, Every: 1, Run: t.listTasks},
		Step{Name: StepWebhookStripe, Every: WebhookEvery, Run: t.deliverWebhook},
	)
}

func (t *TaskAPI) tasksPath() string {
	return fmt.Sprintf("/orgs/%s/projects/%s/tasks", t.fixture.OrgID(), t.fixture.ProjectID())
}

func (t *TaskAPI) createTask(ctx context.Context, it Iteration) {
	req := http.Post(t.tasksPath(), map[string]string{
		"title":       fmt.Sprintf("loadgate task %d_%d", it.VU, it.Iter),
		"description": "load",
	}).WithBearer(t.fixture.Token())

	resp := t.client.Call(ctx, StepTasksCreate, req)
	t.createTrend.AddDuration(resp.Duration())
	t.failRate.Add(resp.StatusCode != 200)
	t.reg.Check("task create 200", resp.OK())
}

func (t *TaskAPI) listTasks(ctx context.Context, it Iteration) {
	req := http.Get(t.tasksPath()).WithBearer(t.fixture.Token())

	resp := t.client.Call(ctx, StepTasksList, req)
	t.listTrend.AddDuration(resp.Duration())
	t.failRate.Add(resp.StatusCode != 200)
	t.reg.Check("task list 200", resp.OK())
}

func (t *TaskAPI) deliverWebhook(ctx context.Context, it Iteration) {
	event := NewInvoicePaid(t.runID, t.fixture.OrgID(), it, t.now())
	payload, err := event.Payload()
	if err != nil {
		t.logger.Error("encode webhook event", zap.Error(err))
		return
	}

	resp, attempts := retry.Do(ctx, t.webhookPolicy, func(ctx context.Context) *http.Response {
		req := http.Post("/webhooks/stripe", payload).WithHeader("Content-Type", "application/json")
		if t.webhookSecret != "" {
			req.WithHeader("Stripe-Signature", SignatureHeader(payload, t.webhookSecret, t.now()))
		}
		return t.client.Call(ctx, StepWebhookStripe, req)
	})

	t.webhookTrend.AddDuration(resp.Duration())
	t.webhookRate.Add(resp.OK())
	t.reg.Check("webhook 200", resp.OK())

	if !resp.OK() {
		t.logger.Debug("webhook delivery failed",
			zap.String("event", event.ID),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempts", attempts))
	}
}
