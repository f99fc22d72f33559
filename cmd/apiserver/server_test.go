package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
	"github.com/omnicalc/saved-results/pkg/cache"
	"github.com/omnicalc/saved-results/pkg/db"
	"github.com/omnicalc/saved-results/pkg/identity"
	"github.com/omnicalc/saved-results/pkg/syncer"
	"github.com/omnicalc/saved-results/pkg/util"
)

const testUserHeader = "X-Test-User"

var serverTestDBCounter int64

type testServer struct {
	router http.Handler
	syncer *syncer.Syncer
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", atomic.AddInt64(&serverTestDBCounter, 1))
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("couldn't open test database: %v", err)
	}
	if err := g.AutoMigrate(&db.SavedResult{}); err != nil {
		t.Fatalf("couldn't migrate test database: %v", err)
	}
	return g
}

func newTestServer(t *testing.T, storeConfigured, allowAnonymousSaves bool) *testServer {
	t.Helper()

	store := db.NotConfigured()
	if storeConfigured {
		store = db.NewStore(newTestDB(t))
	}
	return newTestServerWith(t, store, storeConfigured, allowAnonymousSaves)
}

func newTestServerWith(t *testing.T, store db.SavedResultsStore, storeConfigured, allowAnonymousSaves bool) *testServer {
	t.Helper()

	entry := logrus.WithField("component", "apiserver-test")
	resolver := identity.NewResolver(identity.TrustedHeaderSessionReader{Header: testUserHeader}, false, entry)
	sync := syncer.New(cache.NewMemory(), store, entry)

	s, err := newServer(entry, resolver, sync, NewSameOriginChecker(nil), storeConfigured, allowAnonymousSaves)
	if err != nil {
		t.Fatalf("couldn't construct the server: %v", err)
	}
	return &testServer{router: s.routes(), syncer: sync}
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	var resp apiResponse
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("couldn't decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func saveBody(t *testing.T, calculatorType, calculatorName string, data map[string]interface{}) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"calculatorType": calculatorType,
		"calculatorName": calculatorName,
		"data":           data,
	})
	if err != nil {
		t.Fatalf("couldn't marshal request body: %v", err)
	}
	return bytes.NewReader(body)
}

func TestAnonymousSaveScenario(t *testing.T) {
	ts := newTestServer(t, false, true)

	// First save: no prior cookie, so the response must mint one, and the
	// returned id is the deterministic content hash.
	req := httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
	rec, resp := ts.do(t, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.Error)
	}

	expectedID, err := util.ComputeResultKey("bmi", map[string]interface{}{"bmi": 24.1})
	if err != nil {
		t.Fatalf("couldn't compute the expected key: %v", err)
	}
	if resp.Result == nil || resp.Result.ID != expectedID {
		t.Fatalf("expected the deterministic id %q, got %+v", expectedID, resp.Result)
	}

	var anonCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == identity.AnonymousCookieName {
			anonCookie = c
		}
	}
	if anonCookie == nil {
		t.Fatal("expected a minted anonymous cookie on the response")
	}
	if !anonCookie.HttpOnly || anonCookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes are wrong: %+v", anonCookie)
	}

	// Saving the identical payload under the same cookie is a no-op.
	req = httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
	req.AddCookie(anonCookie)
	rec, resp = ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Success {
		t.Error("expected the duplicate save to report already-saved")
	}
	if resp.Result == nil || resp.Result.ID != expectedID {
		t.Errorf("expected the duplicate save to return the same id, got %+v", resp.Result)
	}

	// The collection holds exactly one entry.
	req = httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	req.AddCookie(anonCookie)
	rec, resp = ts.do(t, req)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected a successful list, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(resp.Results) != 1 {
		t.Errorf("expected exactly one saved result, got %d", len(resp.Results))
	}

	// A second request without any cookie is a different partition.
	req = httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	rec, resp = ts.do(t, req)
	if rec.Code != http.StatusOK || len(resp.Results) != 0 {
		t.Errorf("a cookie-less visitor saw someone else's results: %d entries", len(resp.Results))
	}
}

func TestAuthenticatedSaveAndHydration(t *testing.T) {
	ts := newTestServer(t, true, true)

	req := httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "mortgage", "Mortgage Calculator", map[string]interface{}{"monthly": 1122.61}))
	req.Header.Set(testUserHeader, "user-1")
	rec, resp := ts.do(t, req)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected a successful save, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("an authenticated request minted an anonymous cookie")
	}
	ts.syncer.Flush()

	req = httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	req.Header.Set(testUserHeader, "user-1")
	rec, resp = ts.do(t, req)
	if rec.Code != http.StatusOK || len(resp.Results) != 1 {
		t.Fatalf("expected one hydrated result, got %d: %s", rec.Code, rec.Body.String())
	}

	// Another signed-in user sees nothing.
	req = httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	req.Header.Set(testUserHeader, "user-2")
	_, resp = ts.do(t, req)
	if len(resp.Results) != 0 {
		t.Errorf("user-2 saw user-1's results: %d entries", len(resp.Results))
	}
}

func TestValidation(t *testing.T) {
	bigData := map[string]interface{}{"blob": strings.Repeat("x", v1.MaxDataBytes)}

	testCases := []struct {
		id   string
		body string
	}{
		{id: "not json", body: "{nope"},
		{id: "missing fields", body: `{"calculatorType": "bmi"}`},
		{id: "empty type", body: `{"calculatorType": "", "calculatorName": "x", "data": {}}`},
		{id: "type too long", body: fmt.Sprintf(`{"calculatorType": %q, "calculatorName": "x", "data": {}}`, strings.Repeat("t", v1.MaxCalculatorTypeLength+1))},
		{id: "name too long", body: fmt.Sprintf(`{"calculatorType": "bmi", "calculatorName": %q, "data": {}}`, strings.Repeat("n", v1.MaxCalculatorNameLength+1))},
		{id: "data not an object", body: `{"calculatorType": "bmi", "calculatorName": "x", "data": [1, 2]}`},
		{id: "unknown field", body: `{"calculatorType": "bmi", "calculatorName": "x", "data": {}, "extra": true}`},
	}

	ts := newTestServer(t, false, true)
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/saved-results", strings.NewReader(tc.body))
			rec, resp := ts.do(t, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if resp.Success {
				t.Error("expected success=false")
			}
		})
	}

	t.Run("payload too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", bigData))
		rec, _ := ts.do(t, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for an oversized payload, got %d", rec.Code)
		}
	})
}

func TestForgeryCheck(t *testing.T) {
	ts := newTestServer(t, false, true)

	testCases := []struct {
		id       string
		method   string
		origin   string
		expected int
	}{
		{id: "cross-origin post is rejected", method: http.MethodPost, origin: "https://evil.example.com", expected: http.StatusForbidden},
		{id: "cross-origin delete is rejected", method: http.MethodDelete, origin: "https://evil.example.com", expected: http.StatusForbidden},
		{id: "same-origin post passes", method: http.MethodPost, origin: "http://example.com", expected: http.StatusOK},
		{id: "gets are exempt", method: http.MethodGet, origin: "https://evil.example.com", expected: http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			var req *http.Request
			if tc.method == http.MethodPost {
				req = httptest.NewRequest(tc.method, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
			} else {
				req = httptest.NewRequest(tc.method, "/saved-results", nil)
			}
			req.Header.Set("Origin", tc.origin)
			rec, _ := ts.do(t, req)
			if rec.Code != tc.expected {
				t.Errorf("expected %d, got %d: %s", tc.expected, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t, false, true)

	// The authenticated contract promises durable storage, so both the
	// list and the save answer service-unavailable.
	req := httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	req.Header.Set(testUserHeader, "user-1")
	rec, _ := ts.do(t, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for an authenticated list without a store, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
	req.Header.Set(testUserHeader, "user-1")
	rec, _ = ts.do(t, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for an authenticated save without a store, got %d", rec.Code)
	}

	// Anonymous traffic keeps working local-only.
	req = httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
	rec, _ = ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected the anonymous save to keep working, got %d", rec.Code)
	}
}

func TestAnonymousSavesDisallowed(t *testing.T) {
	ts := newTestServer(t, true, false)

	req := httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
	rec, _ := ts.do(t, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for an anonymous save, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
	req.Header.Set(testUserHeader, "user-1")
	rec, _ = ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected the authenticated save to pass, got %d", rec.Code)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ts := newTestServer(t, true, true)

	var ids []string
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"i": i}))
		req.Header.Set(testUserHeader, "user-1")
		rec, resp := ts.do(t, req)
		if rec.Code != http.StatusOK || resp.Result == nil {
			t.Fatalf("couldn't seed result %d: %d %s", i, rec.Code, rec.Body.String())
		}
		ids = append(ids, resp.Result.ID)
	}
	ts.syncer.Flush()

	// Delete one entry.
	req := httptest.NewRequest(http.MethodDelete, "/saved-results/"+ids[0], nil)
	req.Header.Set(testUserHeader, "user-1")
	rec, resp := ts.do(t, req)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected a successful delete, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Deleted == nil || *resp.Deleted != 1 {
		t.Errorf("expected deleted=1, got %v", resp.Deleted)
	}

	// Deleting it again is a miss.
	req = httptest.NewRequest(http.MethodDelete, "/saved-results/"+ids[0], nil)
	req.Header.Set(testUserHeader, "user-1")
	rec, _ = ts.do(t, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a repeated delete, got %d", rec.Code)
	}

	// Clear removes the rest.
	req = httptest.NewRequest(http.MethodDelete, "/saved-results", nil)
	req.Header.Set(testUserHeader, "user-1")
	rec, resp = ts.do(t, req)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected a successful clear, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Deleted == nil || *resp.Deleted != 2 {
		t.Errorf("expected deleted=2, got %v", resp.Deleted)
	}
	ts.syncer.Flush()

	req = httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	req.Header.Set(testUserHeader, "user-1")
	_, resp = ts.do(t, req)
	if len(resp.Results) != 0 {
		t.Errorf("expected an empty collection after clear, got %d entries", len(resp.Results))
	}
}

func TestTwoDevicesConverge(t *testing.T) {
	// Two server instances with independent caches but one durable store:
	// the same payload saved on both devices lands on a single row.
	store := db.NewStore(newTestDB(t))
	deviceA := newTestServerWith(t, store, true, true)
	deviceB := newTestServerWith(t, store, true, true)

	for _, device := range []*testServer{deviceA, deviceB} {
		req := httptest.NewRequest(http.MethodPost, "/saved-results", saveBody(t, "bmi", "BMI Calculator", map[string]interface{}{"bmi": 24.1}))
		req.Header.Set(testUserHeader, "user-1")
		rec, _ := device.do(t, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		device.syncer.Flush()
	}

	// A third device hydrates from the store alone.
	deviceC := newTestServerWith(t, store, true, true)
	req := httptest.NewRequest(http.MethodGet, "/saved-results", nil)
	req.Header.Set(testUserHeader, "user-1")
	rec, resp := deviceC.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(resp.Results) != 1 {
		t.Errorf("expected the devices to converge on one row, got %d", len(resp.Results))
	}
}
