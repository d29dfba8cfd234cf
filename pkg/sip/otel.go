package sip

import (
	"context"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livekit/softphone/version"
)

func appendVersionAttr(out []attribute.KeyValue, m *debug.Module) []attribute.KeyValue {
	switch m.Path {
	case "github.com/livekit/sipgo":
		vers := m.Version
		if m.Replace != nil {
			vers = m.Replace.Version
		}
		out = append(out, attribute.String(
			"livekit.sipgo.version", vers,
		))
	}
	return out
}

func getSIPVersions() []attribute.KeyValue {
	out := []attribute.KeyValue{
		attribute.String("livekit.softphone.version", version.Version),
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, d := range info.Deps {
		out = appendVersionAttr(out, d)
	}
	return out
}

var Tracer = otel.Tracer(
	"github.com/livekit/softphone",
	trace.WithInstrumentationAttributes(getSIPVersions()...),
)

// startSpan opens a span for one SIP transaction.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
