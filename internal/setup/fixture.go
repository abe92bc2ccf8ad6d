package setup

import (
	"errors"
	"fmt"
)

// Fixture is the write-once output of setup: one access token and the
// organization/project every virtual user works in. A *Fixture only exists
// once every field is populated; it is never modified afterwards, so readers
// need no locking.
type Fixture struct {
	token     string
	orgID     string
	projectID string
}

// NewFixture builds a complete fixture. Every field is required.
func NewFixture(token, orgID, projectID string) (*Fixture, error) {
	var missing []string
	if token == "" {
		missing = append(missing, "token")
	}
	if orgID == "" {
		missing = append(missing, "org id")
	}
	if projectID == "" {
		missing = append(missing, "project id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("incomplete fixture: missing %v", missing)
	}
	return &Fixture{token: token, orgID: orgID, projectID: projectID}, nil
}

// Token returns the bearer token.
func (f *Fixture) Token() string { return f.token }

// OrgID returns the organization id.
func (f *Fixture) OrgID() string { return f.orgID }

// ProjectID returns the project id.
func (f *Fixture) ProjectID() string { return f.projectID }

// ErrNotReady is wrapped by the StepError returned when the readiness probe
// never answered 200.
var ErrNotReady = errors.New("target never became ready")

// StepError is a setup-fatal failure. It names the step, the last status
// (0 when no response was received) and a body excerpt.
type StepError struct {
	Step     string
	Status   int
	Body     string
	Reason   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("setup failed at %s: %s (status=%d", e.Step, e.Reason, e.Status)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" attempts=%d", e.Attempts)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(" body=%s", e.Body)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}
