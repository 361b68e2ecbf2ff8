package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

// Source tells where a candidate set came from.
type Source string

const (
	SourceProvider Source = "provider"
	SourceTemplate Source = "template"
	// SourceFallback means the provider source failed and the default
	// template was substituted.
	SourceFallback Source = "fallback"
)

const (
	defaultAttempts = 2
	defaultTimeout  = 2 * time.Second
	defaultBackoff  = 100 * time.Millisecond
)

// Catalog produces the candidate slots for a doctor and date. Provider
// schedules win; without one, or when the provider source cannot answer
// within its budget, the template is used.
type Catalog struct {
	provider ProviderSource
	template Template
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

type CatalogOption func(*Catalog)

// WithRetryBudget bounds provider lookups to attempts tries of at most
// timeout each.
func WithRetryBudget(attempts int, timeout time.Duration) CatalogOption {
	return func(c *Catalog) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithBackoff(d time.Duration) CatalogOption {
	return func(c *Catalog) { c.backoff = d }
}

func WithTemplate(t Template) CatalogOption {
	return func(c *Catalog) { c.template = t }
}

func WithCatalogLogger(log zerolog.Logger) CatalogOption {
	return func(c *Catalog) { c.log = log }
}

func WithCatalogMetrics(m *metrics.Metrics) CatalogOption {
	return func(c *Catalog) { c.metrics = m }
}

// NewCatalog builds a catalog. provider may be nil, in which case every
// doctor gets the template.
func NewCatalog(provider ProviderSource, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		provider: provider,
		template: DefaultTemplate(),
		attempts: defaultAttempts,
		timeout:  defaultTimeout,
		backoff:  defaultBackoff,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) Template() Template {
	return c.template
}

// CandidateSlots never fails on a provider outage. It only returns an error
// when ctx itself is done.
func (c *Catalog) CandidateSlots(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, Source, error) {
	slots, source, err := c.candidateSlots(ctx, doctorID, date)
	if err != nil {
		return nil, "", err
	}
	c.metrics.ObserveCatalogSource(string(source))
	return slots, source, nil
}

func (c *Catalog) candidateSlots(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, Source, error) {
	if c.provider == nil {
		return c.template.Slots(doctorID, date), SourceTemplate, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		slots, err := c.lookup(ctx, doctorID, date)
		switch {
		case err == nil:
			return appointment.SortSlots(slots), SourceProvider, nil
		case errors.Is(err, appointment.ErrNoProviderSchedule):
			return c.template.Slots(doctorID, date), SourceTemplate, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = err

		if attempt < c.attempts && c.backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
	}

	c.log.Warn().
		Err(lastErr).
		Str("doctor_id", doctorID.String()).
		Str("date", date.String()).
		Int("attempts", c.attempts).
		Msg("provider availability unavailable, using default template")
	return c.template.Slots(doctorID, date), SourceFallback, nil
}

func (c *Catalog) lookup(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.provider.ProviderAvailability(ctx, doctorID, date)
}
