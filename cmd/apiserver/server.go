package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
	"github.com/omnicalc/saved-results/pkg/db"
	"github.com/omnicalc/saved-results/pkg/identity"
	"github.com/omnicalc/saved-results/pkg/syncer"
)

// Request bodies are small JSON documents; anything bigger than the
// payload cap plus headroom for the envelope fields is rejected early.
const maxRequestBytes = v1.MaxDataBytes + 4*1024

const saveRequestSchema = `{
	"type": "object",
	"required": ["calculatorType", "calculatorName", "data"],
	"additionalProperties": false,
	"properties": {
		"calculatorType": {"type": "string", "minLength": 1, "maxLength": 80},
		"calculatorName": {"type": "string", "minLength": 1, "maxLength": 140},
		"data": {"type": "object"}
	}
}`

// OriginChecker is the forgery gate in front of mutating requests. The
// concrete policy belongs to the host application; the server only asks
// yes or no.
type OriginChecker interface {
	Allow(r *http.Request) bool
}

type sameOriginChecker struct {
	allowed map[string]struct{}
}

// NewSameOriginChecker allows requests whose Origin (or Referer, when no
// Origin is present) matches the request host or one of the extra hosts.
// Requests carrying neither header are allowed: those come from
// non-browser clients that cookies-based forgery doesn't apply to.
func NewSameOriginChecker(extraHosts []string) OriginChecker {
	allowed := make(map[string]struct{}, len(extraHosts))
	for _, host := range extraHosts {
		if host != "" {
			allowed[host] = struct{}{}
		}
	}
	return sameOriginChecker{allowed: allowed}
}

func (c sameOriginChecker) Allow(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	_, ok := c.allowed[parsed.Host]
	return ok
}

type server struct {
	logger              *logrus.Entry
	resolver            *identity.Resolver
	syncer              *syncer.Syncer
	origins             OriginChecker
	schema              *gojsonschema.Schema
	storeConfigured     bool
	allowAnonymousSaves bool
}

func newServer(logger *logrus.Entry, resolver *identity.Resolver, sync *syncer.Syncer, origins OriginChecker, storeConfigured, allowAnonymousSaves bool) (*server, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(saveRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("couldn't compile the save request schema: %w", err)
	}
	return &server{
		logger:              logger,
		resolver:            resolver,
		syncer:              sync,
		origins:             origins,
		schema:              schema,
		storeConfigured:     storeConfigured,
		allowAnonymousSaves: allowAnonymousSaves,
	}, nil
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(s.forgeryCheck)
	router.HandleFunc("/saved-results", s.getSavedResults).Methods(http.MethodGet)
	router.HandleFunc("/saved-results", s.createSavedResult).Methods(http.MethodPost)
	router.HandleFunc("/saved-results", s.clearSavedResults).Methods(http.MethodDelete)
	router.HandleFunc("/saved-results/{id}", s.deleteSavedResult).Methods(http.MethodDelete)
	router.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})
	return router
}

// forgeryCheck rejects cross-origin mutations before any store access.
func (s *server) forgeryCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodDelete, http.MethodPut, http.MethodPatch:
			if !s.origins.Allow(r) {
				w.Header().Set("Content-Type", "application/json")
				responseError(w, http.StatusForbidden, "request origin is not allowed")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// resolveOwner determines the request's partition and, when a fresh
// anonymous identity was minted, sets the cookie that keeps it stable.
func (s *server) resolveOwner(w http.ResponseWriter, r *http.Request) identity.Owner {
	owner := s.resolver.Resolve(r)
	if owner.New {
		http.SetCookie(w, s.resolver.Cookie(owner))
	}
	return owner
}

func (s *server) getSavedResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner := s.resolveOwner(w, r)

	s.logger.WithFields(logrus.Fields{"host": r.Host, "url": r.URL, "method": r.Method, "user-agent": r.UserAgent()}).Info("listing saved results")

	results, err := s.syncer.Hydrate(r.Context(), owner)
	if errors.Is(err, db.ErrNotConfigured) {
		responseError(w, http.StatusServiceUnavailable, fmt.Sprintf("saved results storage is unavailable: %v", err))
		return
	}
	if err != nil {
		responseError(w, http.StatusInternalServerError, fmt.Sprintf("couldn't list saved results: %v", err))
		return
	}
	if results == nil {
		results = []v1.SavedResult{}
	}
	json.NewEncoder(w).Encode(apiResponse{Success: true, Results: results})
}

func (s *server) createSavedResult(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		responseError(w, http.StatusBadRequest, fmt.Sprintf("couldn't read the request body: %v", err))
		return
	}

	validation, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		responseError(w, http.StatusBadRequest, fmt.Sprintf("couldn't decode json body: %v", err))
		return
	}
	if !validation.Valid() {
		responseError(w, http.StatusBadRequest, fmt.Sprintf("invalid save request: %s", validation.Errors()[0]))
		return
	}

	var req v1.SaveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		responseError(w, http.StatusBadRequest, fmt.Sprintf("couldn't decode json body: %v", err))
		return
	}

	payload, err := json.Marshal(req.Data)
	if err != nil {
		responseError(w, http.StatusBadRequest, fmt.Sprintf("couldn't encode the result payload: %v", err))
		return
	}
	if len(payload) > v1.MaxDataBytes {
		responseError(w, http.StatusBadRequest, fmt.Sprintf("the result payload exceeds %d bytes", v1.MaxDataBytes))
		return
	}

	owner := s.resolveOwner(w, r)
	if owner.Anonymous && !s.allowAnonymousSaves {
		responseError(w, http.StatusUnauthorized, "sign in to save results")
		return
	}
	if !owner.Anonymous && !s.storeConfigured {
		responseError(w, http.StatusServiceUnavailable, "saved results storage is unavailable")
		return
	}

	outcome, err := s.syncer.Save(r.Context(), owner, req)
	if err != nil {
		responseError(w, http.StatusInternalServerError, fmt.Sprintf("couldn't save the result: %v", err))
		return
	}
	if outcome.AlreadySaved {
		json.NewEncoder(w).Encode(apiResponse{Success: false, Error: "already saved", Result: &outcome.Result})
		return
	}
	json.NewEncoder(w).Encode(apiResponse{Success: true, Result: &outcome.Result})
}

func (s *server) clearSavedResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner := s.resolveOwner(w, r)

	count, err := s.syncer.Clear(r.Context(), owner)
	if err != nil {
		responseError(w, http.StatusInternalServerError, fmt.Sprintf("couldn't clear saved results: %v", err))
		return
	}
	json.NewEncoder(w).Encode(apiResponse{Success: true, Deleted: &count})
}

func (s *server) deleteSavedResult(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner := s.resolveOwner(w, r)
	id := mux.Vars(r)["id"]

	removed, err := s.syncer.Remove(r.Context(), owner, id)
	if err != nil {
		responseError(w, http.StatusInternalServerError, fmt.Sprintf("couldn't delete saved result %s: %v", id, err))
		return
	}
	if !removed {
		responseError(w, http.StatusNotFound, fmt.Sprintf("saved result %s not found", id))
		return
	}
	deleted := 1
	json.NewEncoder(w).Encode(apiResponse{Success: true, Deleted: &deleted})
}

type apiResponse struct {
	Success bool             `json:"success"`
	Results []v1.SavedResult `json:"results,omitempty"`
	Result  *v1.SavedResult  `json:"result,omitempty"`
	Deleted *int             `json:"deleted,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func responseError(w http.ResponseWriter, statusCode int, message string) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiResponse{Error: message})
}
