package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/crvs/deathform/internal/config"
	"github.com/crvs/deathform/internal/domain/doris"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/tracker"
	"github.com/crvs/deathform/internal/platform/auth"
	"github.com/crvs/deathform/internal/platform/metrics"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

type stubDetector struct{}

func (stubDetector) BaseURL() string { return doris.DefaultBaseURL }

func (stubDetector) Detect(context.Context, *url.URL) (*doris.Response, error) {
	return &doris.Response{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "8000",
		Env:                   "development",
		Store:                 config.StoreMemory,
		CORSOrigins:           []string{"http://localhost:3000"},
		DorisBaseURL:          doris.DefaultBaseURL,
		DorisTimeoutSeconds:   15,
		RequestTimeoutSeconds: 30,
		ComputeRateLimitRPS:   1,
		ComputeRateLimitBurst: 1,
		BodyLimit:             "256K",
	}
}

func testServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	return newServer(serverDeps{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		store:    tracker.NewMemoryStore(),
		mapping:  formmeta.Identity(),
		detector: stubDetector{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	})
}

func serve(e *echo.Echo, method, target, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:    roles,
		Facility: "facility-1",
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestServer_Health(t *testing.T) {
	e := testServer(t, testConfig())
	rec := serve(e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"store":"memory"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestServer_Metrics(t *testing.T) {
	e := testServer(t, testConfig())
	rec := serve(e, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_NoDBHealthWithoutPool(t *testing.T) {
	e := testServer(t, testConfig())
	rec := serve(e, http.MethodGet, "/health/db", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

type stubCache struct{ err error }

func (s stubCache) Health(context.Context) error { return s.err }

func TestServer_CacheHealth(t *testing.T) {
	if rec := serve(testServer(t, testConfig()), http.MethodGet, "/health/cache", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without redis, got %d", rec.Code)
	}

	for _, tt := range []struct {
		name   string
		err    error
		status int
	}{
		{"reachable", nil, http.StatusOK},
		{"unreachable", errors.New("redis: connection pool timeout"), http.StatusServiceUnavailable},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Env = "production"
			cfg.AuthSigningKey = testSigningKey
			e := newServer(serverDeps{
				cfg:      cfg,
				logger:   zerolog.Nop(),
				store:    tracker.NewMemoryStore(),
				mapping:  formmeta.Identity(),
				detector: stubDetector{},
				cache:    stubCache{err: tt.err},
			})
			rec := serve(e, http.MethodGet, "/health/cache", "", "")
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if strings.Contains(rec.Body.String(), "pool timeout") {
				t.Errorf("response leaks the cache error: %s", rec.Body.String())
			}
		})
	}
}

func TestServer_DevAuthCaseFlow(t *testing.T) {
	e := testServer(t, testConfig())

	rec := serve(e, http.MethodPost, "/api/v1/cases",
		`{"tracked_entity":"tei1","incident_date":"2020-06-15","attributes":{"sex":"F","dob":"1990-01-01"}}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/v1/cases/tei1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"age":"30"`) {
		t.Errorf("expected derived age in %s", rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/v1/cases/tei1/form-state", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("form-state: expected 200, got %d", rec.Code)
	}
}

func TestServer_JWTAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = testSigningKey
	e := testServer(t, cfg)

	if rec := serve(e, http.MethodGet, "/api/v1/cases", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected public health check, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/v1/cases", "", signToken(t, auth.RoleClerk)); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for clerk listing, got %d", rec.Code)
	}
	rec := serve(e, http.MethodPost, "/api/v1/cases/tei1/underlying-cause", "", signToken(t, auth.RoleClerk))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for clerk computing, got %d", rec.Code)
	}
}

func TestServer_ComputeRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = testSigningKey
	e := testServer(t, cfg)
	token := signToken(t, auth.RoleRegistrar, auth.RoleCertifier)

	if rec := serve(e, http.MethodPost, "/api/v1/cases", `{"tracked_entity":"tei1"}`, token); rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// No causes entered yet, so the first call is refused by the rules.
	if rec := serve(e, http.MethodPost, "/api/v1/cases/tei1/underlying-cause", "", token); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec := serve(e, http.MethodPost, "/api/v1/cases/tei1/underlying-cause", "", token)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/v1/cases/tei1/form-state", "", token); rec.Code != http.StatusOK {
		t.Errorf("other routes are not limited, got %d", rec.Code)
	}
}

func TestMappingValidateCmd(t *testing.T) {
	cmd := mappingCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--file", "../../config/form-mapping.example.yaml"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestMappingValidateCmd_MissingFile(t *testing.T) {
	cmd := mappingCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --file")
	}
}

func TestLoadMapping_DefaultsToIdentity(t *testing.T) {
	m, err := loadMapping("")
	if err != nil {
		t.Fatal(err)
	}
	if m.Attribute(formmeta.AttrSex) != formmeta.AttrSex {
		t.Errorf("expected identity mapping, got %q", m.Attribute(formmeta.AttrSex))
	}
}
