package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/ids"
)

const tracerName = "github.com/sebastianmuntean/eori-platform-sub000/internal/registry"

// DefaultMaxRouteDepth bounds the length of a routing chain.
const DefaultMaxRouteDepth = 64

// Policy holds the tunable business rules of the registry.
type Policy struct {
	// MaxRouteDepth is the longest chain of steps, root to leaf, a new step
	// may complete. Deeper chains are treated as corrupt.
	MaxRouteDepth int
	// ArchiveWithoutResolution lists categories that may be archived from
	// any registered state.
	ArchiveWithoutResolution map[Category]bool
}

func DefaultPolicy() Policy {
	return Policy{MaxRouteDepth: DefaultMaxRouteDepth}
}

// Service is the registry engine: numbering, document lifecycle, routing.
type Service struct {
	store      Store
	policy     Policy
	configs    *ConfigCache
	publishers []Publisher
	tracer     trace.Tracer
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) {
		if p.MaxRouteDepth <= 0 {
			p.MaxRouteDepth = DefaultMaxRouteDepth
		}
		s.policy = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher adds a receiver of committed events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
}

func WithConfigCache(c *ConfigCache) Option {
	return func(s *Service) { s.configs = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New builds a Service over store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: DefaultPolicy(),
		tracer: otel.Tracer(tracerName),
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy { return s.policy }

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "registry."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) publish(ctx context.Context, events []Event) {
	for _, evt := range events {
		for _, p := range s.publishers {
			p.Publish(ctx, evt)
		}
	}
}

func required(field, value string, sentinel error) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", sentinel, field)
	}
	return nil
}

// CreateConfig stores a new registration config.
func (s *Service) CreateConfig(ctx context.Context, cfg RegistrationConfig) (_ RegistrationConfig, err error) {
	ctx, span := s.startSpan(ctx, "CreateConfig")
	defer func() { endSpan(span, err) }()

	if err := required("name", cfg.Name, ErrInvalidConfig); err != nil {
		return RegistrationConfig{}, err
	}
	if cfg.StartingNumber < 0 {
		return RegistrationConfig{}, fmt.Errorf("%w: starting number must be >= 0", ErrInvalidConfig)
	}
	now := s.clock()
	cfg.ID = ids.NewAt(now)
	cfg.CreatedAt = now
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.OrganizationUnitID = strings.TrimSpace(cfg.OrganizationUnitID)

	if err := s.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertConfig(ctx, cfg)
	}); err != nil {
		return RegistrationConfig{}, err
	}
	s.configs.Set(cfg)
	return cfg, nil
}

// GetConfig returns a registration config by id.
func (s *Service) GetConfig(ctx context.Context, id string) (RegistrationConfig, error) {
	if cfg, ok := s.configs.Get(id); ok {
		return cfg, nil
	}
	var cfg RegistrationConfig
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		cfg, err = s.configIn(ctx, tx, id)
		return err
	})
	return cfg, err
}

func (s *Service) configIn(ctx context.Context, tx Tx, id string) (RegistrationConfig, error) {
	if cfg, ok := s.configs.Get(id); ok {
		return cfg, nil
	}
	cfg, err := tx.GetConfig(ctx, id)
	if err != nil {
		return RegistrationConfig{}, err
	}
	s.configs.Set(cfg)
	return cfg, nil
}

// scopeFor resolves the numbering scope of a document registered at year.
func scopeFor(cfg RegistrationConfig, unit string, category Category, year int) Scope {
	sc := Scope{OrganizationUnitID: unit, Category: category}
	if cfg.ResetsAnnually {
		sc.Year = year
	}
	return sc
}
