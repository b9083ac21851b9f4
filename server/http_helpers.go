package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestScopeContextKey = "request_scope"
	requestIDHeader        = "X-Request-ID"
)

const tracerName = "github.com/edgepulse/edgepulse/server"

// requestScope is the per-request logging and tracing state. Middleware
// further down the chain annotates it once the caller is known.
type requestScope struct {
	id     string
	logger zerolog.Logger
	span   trace.Span
}

// withRequestContext assigns a request ID, opens a server span and records
// request latency when metrics are enabled.
func withRequestContext(base zerolog.Logger, metrics *serverMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Writer.Header().Set(requestIDHeader, reqID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request.id", reqID),
			))
		c.Request = c.Request.WithContext(ctx)

		scope := &requestScope{
			id:     reqID,
			logger: base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", route).Logger(),
			span:   span,
		}
		c.Set(requestScopeContextKey, scope)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
		if metrics != nil {
			metrics.observeRequest(c.Request.Method, route, status, time.Since(start))
		}
	}
}

func scopeOf(c *gin.Context) *requestScope {
	if value, ok := c.Get(requestScopeContextKey); ok {
		if scope, ok := value.(*requestScope); ok {
			return scope
		}
	}
	return nil
}

// annotateRequest tags the request's logger and span with an authenticated
// caller attribute such as the admin name or client ID.
func annotateRequest(c *gin.Context, key, value string) {
	scope := scopeOf(c)
	if scope == nil {
		return
	}
	scope.logger = scope.logger.With().Str(key, value).Logger()
	scope.span.SetAttributes(attribute.String("edgepulse."+key, value))
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if scope := scopeOf(c); scope != nil {
		return scope.logger
	}
	return fallback
}

func requestID(c *gin.Context) string {
	if scope := scopeOf(c); scope != nil {
		return scope.id
	}
	return ""
}

// respondError logs message at warn (error for 5xx), marks the span and
// aborts with {"error", "request_id"}.
func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	if status >= http.StatusInternalServerError {
		logger.Error().Int("status", status).Msg(message)
	} else {
		logger.Warn().Int("status", status).Msg(message)
	}

	span := trace.SpanFromContext(c.Request.Context())
	if span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.message", message),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(errors.New(message))
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"request_id": requestID(c),
	})
}

// queryLimit parses an optional positive ?limit= parameter.
func queryLimit(c *gin.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// bindObject decodes a request body that must be a JSON object.
func bindObject(c *gin.Context) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("body must be a JSON object")
	}
	return body, nil
}
