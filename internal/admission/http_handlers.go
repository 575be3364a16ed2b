// Package admission provides HTTP handlers and transport models.
package admission

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

type httpCheckRequest struct {
	ClientID   string            `json:"clientID"`
	RemoteIP   string            `json:"remoteIP"`
	APIKey     string            `json:"apiKey"`
	Method     string            `json:"method"`
	Route      string            `json:"route"`
	BackendID  string            `json:"backendID"`
	Headers    map[string]string `json:"headers"`
	BodySample string            `json:"bodySample"`
}

type httpVerdictResponse struct {
	Outcome      string            `json:"outcome"`
	RetryAfterMs int64             `json:"retryAfterMs"`
	MatchedRule  string            `json:"matchedRule,omitempty"`
	Remaining    int64             `json:"remaining"`
	Limit        int64             `json:"limit"`
	Headers      map[string]string `json:"headers,omitempty"`
	LogMatches   []string          `json:"logMatches,omitempty"`
}

type httpReportRequest struct {
	BackendID string `json:"backendID"`
	Success   bool   `json:"success"`
}

type httpErrorResponse struct {
	Error string `json:"error"`
}

type httpRulesResponse struct {
	Version         int64 `json:"version"`
	RateLimits      int   `json:"rateLimits"`
	CircuitBreakers int   `json:"circuitBreakers"`
	WAFRules        int   `json:"wafRules"`
}

func (rc *httpCheckRequest) toRequestContext() *RequestContext {
	headers := make(map[string]string, len(rc.Headers))
	for name, value := range rc.Headers {
		headers[lowerASCII(name)] = value
	}
	return &RequestContext{
		ClientID:   rc.ClientID,
		RemoteIP:   rc.RemoteIP,
		APIKey:     rc.APIKey,
		Method:     rc.Method,
		Route:      rc.Route,
		BackendID:  rc.BackendID,
		Headers:    headers,
		BodySample: []byte(rc.BodySample),
	}
}

func fromVerdict(v *Verdict) httpVerdictResponse {
	if v == nil {
		return httpVerdictResponse{}
	}
	return httpVerdictResponse{
		Outcome:      string(v.Outcome),
		RetryAfterMs: v.RetryAfter.Milliseconds(),
		MatchedRule:  v.MatchedRule,
		Remaining:    v.Remaining,
		Limit:        v.Limit,
		Headers:      v.Headers,
		LogMatches:   v.LogMatches,
	}
}

func (t *HTTPTransport) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req httpCheckRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Route == "" {
		writeJSONError(w, http.StatusBadRequest, ErrInvalidInput.Error())
		return
	}
	verdict := t.controller.Admit(r.Context(), req.toRequestContext())
	writeJSON(w, http.StatusOK, fromVerdict(verdict))
}

func (t *HTTPTransport) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req httpReportRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BackendID == "" {
		writeJSONError(w, http.StatusBadRequest, ErrInvalidInput.Error())
		return
	}
	t.controller.Report(req.BackendID, req.Success)
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	if t.reloader == nil {
		writeJSONError(w, http.StatusNotFound, "no rule file configured")
		return
	}
	snapshot, err := t.reloader.Reload()
	if err != nil {
		status := http.StatusUnprocessableEntity
		if CodeOf(err) == CodeStaleVersion {
			status = http.StatusConflict
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshotSummary(snapshot))
}

func (t *HTTPTransport) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, snapshotSummary(t.rules.Snapshot()))
}

func (t *HTTPTransport) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	states := map[string]string{}
	for backend, state := range t.breakers.States() {
		states[backend] = state.Label()
	}
	writeJSON(w, http.StatusOK, states)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if t.ready != nil && t.ready() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *HTTPTransport) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !t.cfg.enableAuth {
		return true
	}
	token := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		token = token[len(prefix):]
	}
	if t.cfg.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.cfg.adminToken)) == 1 {
		return true
	}
	writeJSONError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
	return false
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, t.cfg.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func snapshotSummary(snapshot *RuleSnapshot) httpRulesResponse {
	if snapshot == nil {
		return httpRulesResponse{}
	}
	return httpRulesResponse{
		Version:         snapshot.Version,
		RateLimits:      len(snapshot.Limits),
		CircuitBreakers: len(snapshot.Breakers),
		WAFRules:        snapshot.WAFRuleCount(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, httpErrorResponse{Error: msg})
}
