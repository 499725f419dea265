package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gridguard/gridguard/pkg/audit"
	"github.com/gridguard/gridguard/pkg/coordination"
	gwerrors "github.com/gridguard/gridguard/pkg/gateway/errors"
	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

// inferResponse is the literal 202 shape spec.md §6 names for /infer.
type inferResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// handleInfer enqueues the validated body SafetyGate already attached to
// the request context. Per §4.1 step 9, this is the only place a request
// may reach the inference stream; no handler calls the model directly.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	log := middleware.GetLogger(ctx)

	input, _ := middleware.UserInput(ctx)
	id, _ := middleware.GetIdentity(ctx)

	fields := map[string]string{
		"request_id": requestID,
		"user_id":    id.ID,
		"input":      input,
		"trust_tier": string(id.TrustTier),
		"trace_id":   requestID,
		"metadata":   "{}",
	}

	if _, err := s.deps.Store.StreamEnqueue(ctx, coordination.StreamInference, fields); err != nil {
		log.Error(err, "inference enqueue failed", "requestID", requestID)
		gwerrors.Write(w, gwerrors.SafetyUnavailable(requestID))
		return
	}

	writeJSON(w, http.StatusAccepted, inferResponse{RequestID: requestID, Status: "queued"})
}

// reviewRequest is the literal body spec.md §6 names for /review.
type reviewRequest struct {
	RequestID  string `json:"request_id"`
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes"`
}

type reviewResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

// handleReview lets a privileged reviewer approve or block an escalated
// request, per spec.md §4.8's approve() contract.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.Write(w, gwerrors.Validation("malformed review request body", requestID))
		return
	}
	if req.Decision != "approve" && req.Decision != "block" {
		gwerrors.Write(w, gwerrors.Validation("decision must be \"approve\" or \"block\"", requestID))
		return
	}

	ok, err := s.deps.Escalator.Approve(ctx, req.RequestID, req.Decision, req.ReviewerID, req.Notes)
	if err != nil {
		middleware.GetLogger(ctx).Error(err, "review approval failed", "requestID", req.RequestID)
		gwerrors.Write(w, gwerrors.SafetyUnavailable(requestID))
		return
	}

	writeJSON(w, http.StatusOK, reviewResponse{Success: ok, RequestID: req.RequestID, Decision: req.Decision})
}

// statusResponse is the literal shape spec.md §6 names for /status/{request_id}.
type statusResponse struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	Response  *string `json:"response,omitempty"`
}

// handleStatus reports queued/pending/completed for a request_id. Results
// land in C2's result hash (see pkg/coordination) once the worker pool or
// a reviewer's approval settles the outcome; before that, an escalated-but-
// unresolved audit row means "pending", and anything else means "queued" —
// the gateway has no durable record of requests still sitting only in the
// inference stream.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "request_id")
	gatewayRequestID := middleware.GetRequestID(ctx)

	resultStatus, body, found, err := s.deps.Store.GetResult(ctx, requestID)
	if err != nil {
		gwerrors.Write(w, gwerrors.SafetyUnavailable(gatewayRequestID))
		return
	}
	if found {
		switch resultStatus {
		case "completed", "approved":
			responseCopy := body
			writeJSON(w, http.StatusOK, statusResponse{RequestID: requestID, Status: "completed", Response: &responseCopy})
		default:
			writeJSON(w, http.StatusOK, statusResponse{RequestID: requestID, Status: "pending"})
		}
		return
	}

	records, err := s.deps.AuditStore.ByRequestID(ctx, requestID)
	if err != nil {
		gwerrors.Write(w, gwerrors.SafetyUnavailable(gatewayRequestID))
		return
	}
	for _, rec := range records {
		if rec.Status == audit.StatusEscalated {
			writeJSON(w, http.StatusOK, statusResponse{RequestID: requestID, Status: "pending"})
			return
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{RequestID: requestID, Status: "queued"})
}

type queueDepthResponse struct {
	Depth int64 `json:"depth"`
}

// handleQueueDepth reports the inference stream's current length.
func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depth, err := s.deps.Store.StreamLen(ctx, coordination.StreamInference)
	if err != nil {
		gwerrors.Write(w, gwerrors.SafetyUnavailable(middleware.GetRequestID(ctx)))
		return
	}
	writeJSON(w, http.StatusOK, queueDepthResponse{Depth: depth})
}

type healthResponse struct {
	StoreReachable bool `json:"store_reachable"`
	AuditReachable bool `json:"audit_reachable"`
	Degraded       bool `json:"degraded"`
}

// handleHealth reports store/audit reachability per spec.md §6; it bypasses
// the safety middleware entirely (it's in the bypass set), so it stays
// reachable even while the gate itself is failing closed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeOK := s.deps.Store.Ping(ctx) == nil
	auditOK := s.deps.AuditStore == nil || s.deps.AuditStore.Healthy(ctx)

	writeJSON(w, http.StatusOK, healthResponse{
		StoreReachable: storeOK,
		AuditReachable: auditOK,
		Degraded:       !storeOK || !auditOK,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
