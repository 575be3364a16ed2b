// Package admission provides the HTTP embedding of the pipeline.
package admission

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// BackendResolver maps a request to its backend target id. Resolution is a
// routing-layer concern; the default resolver returns the first path
// segment.
type BackendResolver func(r *http.Request) string

// MiddlewareOptions configures the admission middleware.
type MiddlewareOptions struct {
	Controller      *Controller
	Backend         BackendResolver
	BodySampleBytes int64
}

// Middleware wraps a handler with the admission pipeline. Denials are
// answered directly with the mapped status and headers; allowed requests
// proceed with the body sample re-attached.
func Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	sampleCap := opts.BodySampleBytes
	if sampleCap <= 0 {
		sampleCap = 8 << 10
	}
	resolve := opts.Backend
	if resolve == nil {
		resolve = firstSegmentBackend
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := buildRequestContext(r, resolve, sampleCap)
			verdict := opts.Controller.Admit(r.Context(), rc)
			if !verdict.Allowed() {
				WriteVerdict(w, verdict)
				return
			}
			for name, value := range verdict.Headers {
				w.Header().Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteVerdict maps a denial verdict onto the HTTP response.
func WriteVerdict(w http.ResponseWriter, verdict *Verdict) {
	if verdict == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	for name, value := range verdict.Headers {
		w.Header().Set(name, value)
	}
	switch verdict.Outcome {
	case OutcomeRateLimited:
		w.Header().Set("Retry-After", retryAfterSeconds(verdict))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	case OutcomeCircuitOpen:
		w.Header().Set("Retry-After", retryAfterSeconds(verdict))
		w.WriteHeader(http.StatusServiceUnavailable)
	case OutcomeWAFBlocked:
		w.Header().Set("X-Block-Reason", verdict.MatchedRule)
		w.WriteHeader(http.StatusForbidden)
	case OutcomeFailClosed:
		w.Header().Set("Retry-After", retryAfterSeconds(verdict))
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusForbidden)
	}
}

func retryAfterSeconds(verdict *Verdict) string {
	seconds := int64(verdict.RetryAfter.Seconds())
	if seconds < 1 && verdict.RetryAfter > 0 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func buildRequestContext(r *http.Request, resolve BackendResolver, sampleCap int64) *RequestContext {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[lowerASCII(name)] = values[0]
		}
	}
	rc := &RequestContext{
		ClientID:  r.Header.Get("X-Client-Id"),
		APIKey:    r.Header.Get("X-Api-Key"),
		RemoteIP:  clientIP(r),
		Method:    r.Method,
		Route:     r.URL.Path,
		BackendID: resolve(r),
		Headers:   headers,
	}
	if r.Body != nil && r.ContentLength != 0 {
		sample := make([]byte, sampleCap)
		n, _ := io.ReadFull(r.Body, sample)
		rc.BodySample = sample[:n]
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(rc.BodySample), r.Body), r.Body}
	}
	return rc
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstSegmentBackend(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}
