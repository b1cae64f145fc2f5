package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/trust"
)

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleReputation handles GET /reputation/{target}?viewer=&depth=.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	target, ok := pathID(w, r, "target")
	if !ok {
		return
	}

	q := trust.Query{Target: target}

	if v := r.URL.Query().Get("viewer"); v != "" {
		viewer, err := identity.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid viewer: %v", err))
			return
		}

		q.Viewer = viewer
	}

	if d := r.URL.Query().Get("depth"); d != "" {
		depth, err := strconv.Atoi(d)
		if err != nil || depth < 1 || depth > trust.HardMaxDepth {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("depth must be in [1, %d]", trust.HardMaxDepth))
			return
		}

		q.MaxDepth = depth
	}

	report, err := s.trust.Aggregate(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleGiven handles GET /given/{author}.
func (s *Server) handleGiven(w http.ResponseWriter, r *http.Request) {
	author, ok := pathID(w, r, "author")
	if !ok {
		return
	}

	atts, err := s.trust.Given(r.Context(), author)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, records(atts))
}

// handleReceived handles GET /received/{subject}.
func (s *Server) handleReceived(w http.ResponseWriter, r *http.Request) {
	subject, ok := pathID(w, r, "subject")
	if !ok {
		return
	}

	atts, err := s.trust.Received(r.Context(), subject)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, records(atts))
}

// handleTrust handles GET /trust/{identity}.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "identity")
	if !ok {
		return
	}

	members, err := s.trust.TrustGroup(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := TrustResponse{Identity: id, Trusted: []identity.ID{}, Size: len(members)}

	for _, m := range members {
		if m != id {
			resp.Trusted = append(resp.Trusted, m)
		}
	}

	root, err := group.RootOf(s.opts.Group, members)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp.Root = root.String()

	writeJSON(w, http.StatusOK, resp)
}

// handlePublish handles POST /events with a signed raw record.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var ev nostr.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid record: %v", err))
		return
	}

	if err := attestation.CheckSignature(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := attestation.Validate(&ev)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if a.Mode == attestation.Anonymous {
		if status, err := s.admitAnonymous(r, &a); err != nil {
			writeError(w, status, err.Error())
			return
		}
	}

	if err := s.pub.Publish(r.Context(), &ev); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	logger.Debug("record published",
		"id", logger.Short(ev.ID),
		"mode", a.Mode,
		"subject", logger.Short(a.Subject.String()),
	)

	writeJSON(w, http.StatusAccepted, PublishResponse{ID: ev.ID})
}

// admitAnonymous runs the configured proof and replay checks on a and
// returns the status to answer with when one fails.
func (s *Server) admitAnonymous(r *http.Request, a *attestation.Attestation) (int, error) {
	if s.opts.VerifyAnonymous {
		if s.opts.Verifier == nil {
			return http.StatusServiceUnavailable, proof.ErrBackendUnavailable
		}

		members, err := s.trust.TrustGroup(r.Context(), a.Author)
		if err != nil {
			return http.StatusBadGateway, err
		}

		if err := s.opts.Verifier.Verify(a.Proof, a.Subject, members); err != nil {
			if errors.Is(err, proof.ErrBackendUnavailable) {
				return http.StatusServiceUnavailable, err
			}

			return http.StatusUnprocessableEntity, err
		}
	}

	if s.opts.Registry != nil {
		if err := s.opts.Registry.Record(a.Proof, a.Author, a.ID); err != nil {
			if errors.Is(err, proof.ErrReplay) {
				return http.StatusConflict, err
			}

			return http.StatusInternalServerError, err
		}
	}

	return http.StatusOK, nil
}

// handleVerify handles POST /verify.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.opts.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, proof.ErrBackendUnavailable.Error())
		return
	}

	var req VerifyRequest
	if !readJSON(w, r, &req) {
		return
	}

	target, err := identity.Parse(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid target: %v", err))
		return
	}

	members, ok := parseMembers(w, req.Members)
	if !ok {
		return
	}

	err = s.opts.Verifier.Verify(&req.Proof, target, members)
	if errors.Is(err, proof.ErrBackendUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := VerifyResponse{Valid: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGroupRoot handles POST /group/root.
func (s *Server) handleGroupRoot(w http.ResponseWriter, r *http.Request) {
	var req RootRequest
	if !readJSON(w, r, &req) {
		return
	}

	members, ok := parseMembers(w, req.Members)
	if !ok {
		return
	}

	g, err := group.Build(s.opts.Group, members)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RootResponse{
		Root:  g.Root().String(),
		Size:  g.Size(),
		Depth: g.Config().Depth,
	})
}

// pathID parses an identity URL parameter, answering 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (identity.ID, bool) {
	id, err := identity.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
		return identity.Zero, false
	}

	return id, true
}

// readJSON decodes a bounded request body, answering 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}

	return true
}

// parseMembers parses a member list, answering 400 on failure.
func parseMembers(w http.ResponseWriter, raw []string) ([]identity.ID, bool) {
	if len(raw) > maxMembers {
		writeError(w, http.StatusBadRequest, "too many members")
		return nil, false
	}

	ids := make([]identity.ID, 0, len(raw))

	for _, m := range raw {
		id, err := identity.Parse(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid member %q: %v", m, err))
			return nil, false
		}

		ids = append(ids, id)
	}

	return ids, true
}

// records converts attestations for the API.
func records(atts []attestation.Attestation) []Record {
	out := make([]Record, len(atts))
	for i, a := range atts {
		out[i] = NewRecord(a)
	}

	return out
}
