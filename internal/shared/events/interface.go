package events

import (
	"context"

	"github.com/rs/zerolog"
)

// Event types published by the domain packages.
const (
	AppointmentBooked        = "appointment.booked"
	AppointmentStatusChanged = "appointment.status_changed"
	PaymentVerified          = "payment.verified"
	PaymentRejected          = "payment.rejected"
	PrescriptionIssued       = "prescription.issued"
	DoctorApproved           = "doctor.approved"
	DoctorRejected           = "doctor.rejected"
)

// Publisher defines the interface for event publishing
type Publisher interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error
}

// Ensure Bus implements Publisher
var _ Publisher = (*Bus)(nil)

// Emit publishes event on p when p is set. Publishing is best effort: the
// write it describes has already committed, so failures are only logged.
func Emit(ctx context.Context, p Publisher, log *zerolog.Logger, event Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil && log != nil {
		log.Warn().Err(err).Str("event_type", event.Type).Msg("failed to publish event")
	}
}
