package export

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ttexport/internal/ics"
	appLog "ttexport/internal/log"
	"ttexport/internal/model"
)

// DefaultProductID is the PRODID written when none is configured.
const DefaultProductID = "-//TimeTree Exporter dev//EN"

// Source is the calendar service the pipeline pulls from.
type Source interface {
	Authenticate(ctx context.Context, cred model.Credential) (model.Session, error)
	FetchMetadata(ctx context.Context, session model.Session) ([]model.CalendarMetadata, error)
	FetchEvents(ctx context.Context, session model.Session, calendarID string) ([]model.RawEvent, error)
}

// Decoder normalizes one raw upstream record. Returning an error wrapping
// model.ErrNotExportable drops the record quietly.
type Decoder func(model.RawEvent) (model.Event, error)

// Result describes a successful run.
type Result struct {
	Calendar model.CalendarMetadata
	Path     string

	// EventCount is the number of VEVENTs in the written document.
	EventCount int
	// Skipped counts records dropped because they failed to transform.
	Skipped int
	// Ignored counts records that are not events (memos).
	Ignored int

	Bytes int64
}

// Pipeline performs one export run: authenticate, fetch metadata, resolve
// the calendar, fetch events, transform, encode and write the artifact.
// It holds no per-tenant state and never touches TenantState.
type Pipeline struct {
	source    Source
	decode    Decoder
	productID string
	tracer    trace.Tracer
	write     func(path string, data []byte) error
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithProductID sets the PRODID of written documents.
func WithProductID(id string) PipelineOption {
	return func(p *Pipeline) {
		if id != "" {
			p.productID = id
		}
	}
}

// WithTracer overrides the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

func NewPipeline(src Source, decode Decoder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		source:    src,
		decode:    decode,
		productID: DefaultProductID,
		tracer:    otel.Tracer("ttexport/export"),
		write:     writeFileAtomic,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline for cfg. Any returned error is a *RunError.
func (p *Pipeline) Run(ctx context.Context, cfg model.TenantConfig) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "export.run", trace.WithAttributes(
		attribute.String("tenant.id", cfg.ID),
		attribute.String("calendar.alias", cfg.CalendarAlias),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("export.event_count", res.EventCount),
				attribute.Int("export.skipped", res.Skipped),
			)
		}
		span.End()
	}()

	res.Path = cfg.OutputPath
	if cfg.OutputPath == "" {
		return res, runErr(KindIO, "tenant %s has no output path", cfg.ID)
	}

	// 1. Authenticate.
	var session model.Session
	if err := p.span(ctx, "authenticate", func(ctx context.Context) error {
		var aerr error
		session, aerr = p.source.Authenticate(ctx, cfg.Credential)
		return aerr
	}); err != nil {
		return res, &RunError{Kind: KindAuth, Err: err}
	}

	// 2. Calendar metadata.
	var metas []model.CalendarMetadata
	if err := p.span(ctx, "fetch_metadata", func(ctx context.Context) error {
		var ferr error
		metas, ferr = p.source.FetchMetadata(ctx, session)
		return ferr
	}); err != nil {
		return res, &RunError{Kind: KindConnectivity, Err: err}
	}

	// 3. Resolve. No active calendar looks the same to users as an
	// unreachable service.
	cal, err := Resolve(metas, cfg.CalendarAlias)
	if err != nil {
		return res, &RunError{Kind: KindConnectivity, Err: err}
	}
	res.Calendar = cal
	if cal.AliasCode != cfg.CalendarAlias {
		appLog.Warn("calendar alias not found among active calendars; using first active",
			"tenant", cfg.ID, "alias", cfg.CalendarAlias, "fallback_alias", cal.AliasCode, "fallback_name", cal.Name)
	}

	// 4. Events.
	var raws []model.RawEvent
	if err := p.span(ctx, "fetch_events", func(ctx context.Context) error {
		var ferr error
		raws, ferr = p.source.FetchEvents(ctx, session, cal.ID)
		return ferr
	}); err != nil {
		return res, &RunError{Kind: KindConnectivity, Err: err}
	}

	// 5+6. Transform each event; failures drop that event only.
	doc := ics.NewDocument(p.productID)
	for _, raw := range raws {
		ev, derr := p.decode(raw)
		if derr == nil {
			derr = doc.AddEvent(ev)
		}
		switch {
		case derr == nil:
		case errors.Is(derr, model.ErrNotExportable):
			res.Ignored++
		default:
			res.Skipped++
			appLog.Warn("event skipped", "tenant", cfg.ID, "kind", KindTransform, "err", derr)
		}
	}
	res.EventCount = doc.Len()

	body, err := doc.Encode()
	if err != nil {
		return res, &RunError{Kind: KindIO, Err: err}
	}

	// 7. Replace the artifact.
	if err := p.span(ctx, "write", func(context.Context) error {
		return p.write(cfg.OutputPath, body)
	}); err != nil {
		return res, &RunError{Kind: KindIO, Err: err}
	}
	res.Bytes = int64(len(body))

	appLog.Info("export written",
		"tenant", cfg.ID,
		"calendar", cal.Name,
		"path", cfg.OutputPath,
		"events", res.EventCount,
		"skipped", res.Skipped,
		"ignored", res.Ignored,
		"bytes", res.Bytes,
	)
	return res, nil
}

// span runs fn inside a child span named after the pipeline step.
func (p *Pipeline) span(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "export."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
