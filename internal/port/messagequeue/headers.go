package messagequeue

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Strob0t/agentwire/internal/security"
)

// Header names carrying credentials alongside an envelope.
const (
	HeaderIdentity   = "A2A-Identity"
	HeaderCapability = "A2A-Capability"
	HeaderMessageID  = "A2A-Message-Id"
	HeaderTraceID    = "A2A-Trace-Id"
)

// Headers are transport message headers. The shape matches nats.Header.
type Headers map[string][]string

// Get returns the first value for key.
func (h Headers) Get(key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// HeadersFromContext builds the outgoing headers for a publish: the
// credentials stored with security.WithCredentials and the OTel trace
// context.
func HeadersFromContext(ctx context.Context) Headers {
	h := Headers{}
	if creds, ok := security.CredentialsFrom(ctx); ok {
		if creds.Identity != "" {
			h[HeaderIdentity] = []string{creds.Identity}
		}
		if len(creds.Capabilities) > 0 {
			h[HeaderCapability] = append([]string(nil), creds.Capabilities...)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(h)))
	return h
}

// ContextWithHeaders restores credentials and trace context from the
// headers of a delivery.
func ContextWithHeaders(ctx context.Context, h Headers) context.Context {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(h)))
	creds := security.Credentials{
		Identity:     h.Get(HeaderIdentity),
		Capabilities: h[HeaderCapability],
	}
	if creds.Identity == "" && len(creds.Capabilities) == 0 {
		return ctx
	}
	return security.WithCredentials(ctx, creds)
}
