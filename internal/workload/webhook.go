package workload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v75/webhook"
)

// InvoicePaidType is the event type the workload delivers.
const InvoicePaidType = "invoice.paid"

// Event is the synthetic Stripe-style event posted to the webhook receiver.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData wraps the event object.
type EventData struct {
	Object InvoiceObject `json:"object"`
}

// InvoiceObject is the subset of a Stripe invoice the receiver reads.
type InvoiceObject struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// EventID builds the correlation id evt_<run>_<vu>_<iter>_<unixnano>. The
// (vu, iter) pair is unique within a run, so ids never collide across
// virtual users; the timestamp keeps repeated runs with the same run id
// distinct.
func EventID(runID string, it Iteration, at time.Time) string {
	return fmt.Sprintf("evt_%s_%d_%d_%d", runID, it.VU, it.Iter, at.UnixNano())
}

// NewInvoicePaid builds the invoice.paid event for one iteration. Customer
// and subscription are per VU; the invoice is per iteration.
func NewInvoicePaid(runID, orgID string, it Iteration, at time.Time) Event {
	return Event{
		ID:   EventID(runID, it, at),
		Type: InvoicePaidType,
		Data: EventData{
			Object: InvoiceObject{
				ID:           fmt.Sprintf("in_%s_%d_%d", runID, it.VU, it.Iter),
				Customer:     fmt.Sprintf("cus_%s_%d", runID, it.VU),
				Subscription: fmt.Sprintf("sub_%s_%d", runID, it.VU),
				Metadata:     map[string]string{"org_id": orgID},
			},
		},
	}
}

// Payload encodes the event.
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// SignatureHeader computes the Stripe-Signature header value for payload.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Header
}
