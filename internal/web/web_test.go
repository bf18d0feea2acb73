package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tyemirov/notify/internal/accounts"
	"github.com/tyemirov/notify/internal/authkit"
	"github.com/tyemirov/notify/internal/content"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type apiHarness struct {
	router   *gin.Engine
	tokens   *authkit.TokenService
	accounts *accounts.Service
	logs     *observer.ObservedLogs
	bearer   map[string]string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := authkit.NewSystemClock()
	configuration := authkit.ServerConfig{
		AccessTokenSecret:  []byte("access-secret"),
		RefreshTokenSecret: []byte("refresh-secret"),
		TokenIssuer:        "notify-test",
		AccessCookieName:   "access_token",
		RefreshCookieName:  "refresh_token",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    24 * time.Hour,
		SameSiteMode:       http.SameSiteStrictMode,
	}
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	store := authkit.NewMemoryCredentialStore(clock)
	hasher := authkit.NewBcryptPasswordHasher(4)
	cache := authkit.NewSessionCache(authkit.NewMemoryCacheBackend(clock), authkit.SessionCacheConfig{TTL: time.Hour}, nil, logger)
	codec, err := authkit.NewTokenCodec(authkit.TokenCodecConfig{
		AccessSecret:  configuration.AccessTokenSecret,
		RefreshSecret: configuration.RefreshTokenSecret,
		Issuer:        configuration.TokenIssuer,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	tokens, err := authkit.NewTokenService(authkit.TokenServiceDependencies{
		Credentials:     store,
		Codec:           codec,
		Hasher:          hasher,
		Cache:           cache,
		Logger:          logger,
		Clock:           clock,
		AccessTokenTTL:  configuration.AccessTokenTTL,
		RefreshTokenTTL: configuration.RefreshTokenTTL,
	})
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceDependencies{Store: store, Hasher: hasher, Cache: cache, Logger: logger})
	if err != nil {
		t.Fatalf("new accounts: %v", err)
	}
	postService, err := content.NewService(content.ServiceDependencies{Store: content.NewMemoryStore(clock), Cache: cache, Logger: logger})
	if err != nil {
		t.Fatalf("new posts: %v", err)
	}
	accountService.AddRenameListener(postService)

	router := gin.New()
	router.Use(AccessLog(logger))
	api := router.Group("/api/v1")
	MountAccountRoutes(api, AccountRouteDependencies{Configuration: configuration, Tokens: tokens, Accounts: accountService, Logger: logger})
	MountPostRoutes(api, PostRouteDependencies{Configuration: configuration, Tokens: tokens, Posts: postService, Logger: logger})

	harness := &apiHarness{router: router, tokens: tokens, accounts: accountService, logs: logs, bearer: map[string]string{}}
	harness.seed(t, "root", authkit.RoleAdmin)
	harness.seed(t, "alice", authkit.RoleMember)
	harness.seed(t, "bob", authkit.RoleMember)
	harness.seed(t, "visitor", authkit.RoleGuest)
	return harness
}

func (harness *apiHarness) seed(t *testing.T, username string, role authkit.Role) {
	t.Helper()
	ctx := context.Background()
	registration := accounts.Registration{FullName: username, Username: username, Email: username + "@example.com", Password: "long-enough-password", Role: role}
	if _, err := harness.accounts.Register(ctx, registration); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	result, err := harness.tokens.Login(ctx, username, "long-enough-password")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	harness.bearer[username] = result.Tokens.AccessToken
}

func (harness *apiHarness) do(t *testing.T, caller string, method string, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if caller != "" {
		request.Header.Set("Authorization", "Bearer "+harness.bearer[caller])
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	decodeBody(t, recorder, &payload)
	return payload["error"]
}

func TestCurrentUserRoutes(t *testing.T) {
	harness := newAPIHarness(t)

	if recorder := harness.do(t, "", http.MethodGet, "/api/v1/users/me", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	recorder := harness.do(t, "alice", http.MethodGet, "/api/v1/users/me", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		User authkit.PublicProfile `json:"user"`
	}
	decodeBody(t, recorder, &payload)
	if payload.User.Username != "alice" || payload.User.Role != authkit.RoleMember {
		t.Fatalf("unexpected profile %+v", payload.User)
	}

	recorder = harness.do(t, "alice", http.MethodPatch, "/api/v1/users/me", map[string]string{"full_name": "Alice L", "username": "bob", "email": "alice@example.com"})
	if recorder.Code != http.StatusConflict || errorCode(t, recorder) != "account_exists" {
		t.Fatalf("expected 409 account_exists, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.do(t, "alice", http.MethodPatch, "/api/v1/users/me", map[string]string{"full_name": "Alice L", "username": "alice", "email": ""})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing email, got %d", recorder.Code)
	}
	recorder = harness.do(t, "alice", http.MethodPatch, "/api/v1/users/me", map[string]string{"full_name": "Alice L", "username": "alice", "email": "alice@example.org"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.do(t, "alice", http.MethodGet, "/api/v1/users/me", nil)
	decodeBody(t, recorder, &payload)
	if payload.User.Email != "alice@example.org" || payload.User.FullName != "Alice L" {
		t.Fatalf("stale profile after edit: %+v", payload.User)
	}
}

func TestAdminAccountRoutes(t *testing.T) {
	harness := newAPIHarness(t)
	registration := map[string]string{"full_name": "Carol", "username": "carol", "email": "carol@example.com", "password": "long-enough-password"}

	if recorder := harness.do(t, "alice", http.MethodPost, "/api/v1/users/register", registration); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", recorder.Code)
	}
	recorder := harness.do(t, "root", http.MethodPost, "/api/v1/users/register", registration)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder := harness.do(t, "root", http.MethodPost, "/api/v1/users/register", registration); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", recorder.Code)
	}
	weak := map[string]string{"full_name": "Dan", "username": "dan", "email": "dan@example.com", "password": "short"}
	if recorder := harness.do(t, "root", http.MethodPost, "/api/v1/users/register", weak); errorCode(t, recorder) != "weak_password" {
		t.Fatalf("expected weak_password, got %s", recorder.Body.String())
	}

	recorder = harness.do(t, "root", http.MethodGet, "/api/v1/users/all-usernames", nil)
	var listing struct {
		Usernames []string `json:"usernames"`
	}
	decodeBody(t, recorder, &listing)
	if len(listing.Usernames) != 5 {
		t.Fatalf("expected five usernames, got %v", listing.Usernames)
	}

	recorder = harness.do(t, "root", http.MethodPost, "/api/v1/users/update-user-role", map[string]string{"email": "carol@example.com", "role": "member"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.do(t, "root", http.MethodPost, "/api/v1/users/update-user-role", map[string]string{"username": "carol", "role": "member"})
	if recorder.Code != http.StatusConflict || errorCode(t, recorder) != "role_unchanged" {
		t.Fatalf("expected 409 role_unchanged, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.do(t, "root", http.MethodPost, "/api/v1/users/update-user-role", map[string]string{"username": "carol", "role": "owner"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", recorder.Code)
	}
}

func TestPostRoutes(t *testing.T) {
	harness := newAPIHarness(t)
	draft := map[string]string{"title": "Hello", "content": "first post"}

	if recorder := harness.do(t, "visitor", http.MethodPost, "/api/v1/posts", draft); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guest, got %d", recorder.Code)
	}
	recorder := harness.do(t, "alice", http.MethodPost, "/api/v1/posts", draft)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		Post content.Post `json:"post"`
	}
	decodeBody(t, recorder, &created)
	if created.Post.Number != 1 || created.Post.OwnerUsername != "alice" {
		t.Fatalf("unexpected post %+v", created.Post)
	}
	if recorder := harness.do(t, "bob", http.MethodPost, "/api/v1/posts", draft); errorCode(t, recorder) != "title_taken" {
		t.Fatalf("expected title_taken, got %s", recorder.Body.String())
	}

	if recorder := harness.do(t, "visitor", http.MethodGet, "/api/v1/posts/alice/1", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected guests to read posts, got %d", recorder.Code)
	}
	if recorder := harness.do(t, "visitor", http.MethodGet, "/api/v1/posts/alice/zero", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad number, got %d", recorder.Code)
	}
	if recorder := harness.do(t, "bob", http.MethodPatch, "/api/v1/posts/alice/1", map[string]string{"content": "hijack"}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", recorder.Code)
	}
	recorder = harness.do(t, "alice", http.MethodPatch, "/api/v1/posts/alice/1", map[string]string{"content": "edited"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.do(t, "bob", http.MethodGet, "/api/v1/posts/alice/1", nil)
	var fetched struct {
		Post content.Post `json:"post"`
	}
	decodeBody(t, recorder, &fetched)
	if fetched.Post.Content != "edited" || fetched.Post.Title != "hello" {
		t.Fatalf("stale post after update: %+v", fetched.Post)
	}

	recorder = harness.do(t, "alice", http.MethodPatch, "/api/v1/users/me", map[string]string{"full_name": "Alice", "username": "alicia", "email": "alice@example.com"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("rename: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := harness.do(t, "bob", http.MethodGet, "/api/v1/posts/alice/1", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected old owner path to 404, got %d", recorder.Code)
	}
	recorder = harness.do(t, "bob", http.MethodGet, "/api/v1/posts/alicia", nil)
	var listing struct {
		Posts []content.Post `json:"posts"`
	}
	decodeBody(t, recorder, &listing)
	if len(listing.Posts) != 1 {
		t.Fatalf("expected the renamed owner's post, got %+v", listing.Posts)
	}

	if recorder := harness.do(t, "alice", http.MethodDelete, "/api/v1/posts/alicia/1", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.do(t, "bob", http.MethodGet, "/api/v1/posts", nil)
	decodeBody(t, recorder, &listing)
	if len(listing.Posts) != 0 {
		t.Fatalf("expected no posts after delete, got %+v", listing.Posts)
	}
}

func TestAccessLogRecordsRoute(t *testing.T) {
	harness := newAPIHarness(t)
	harness.do(t, "alice", http.MethodGet, "/api/v1/posts", nil)

	entries := harness.logs.FilterField(zap.String("code", "http.access")).All()
	if len(entries) == 0 {
		t.Fatalf("expected an access log entry")
	}
	last := entries[len(entries)-1].ContextMap()
	if last["path"] != "/api/v1/posts" || last["method"] != http.MethodGet {
		t.Fatalf("unexpected access log fields %v", last)
	}
}

func TestRequestMetricsLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	router := gin.New()
	router.Use(RequestMetrics(authkit.NewPrometheusMetrics(registry, "notify", nil)))
	router.GET("/posts/:username", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	for _, target := range []string{"/posts/alice", "/posts/bob", "/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	var durationSamples uint64
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			switch family.GetName() {
			case "notify_http_requests_total":
				counts[labels["route"]+" "+labels["status"]] = metric.GetCounter().GetValue()
			case "notify_http_request_duration_seconds":
				durationSamples += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	if counts["/posts/:username 200"] != 2 || counts["unmatched 404"] != 1 {
		t.Fatalf("unexpected request counts %v", counts)
	}
	if durationSamples != 3 {
		t.Fatalf("expected three duration samples, got %d", durationSamples)
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:5173", "http://localhost:5173/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", credentials)
	}
}

func TestConfigureCORSRejectsUnsafeOrigins(t *testing.T) {
	testCases := []struct {
		name    string
		origins []string
	}{
		{name: "nil", origins: nil},
		{name: "blank", origins: []string{"  "}},
		{name: "wildcard", origins: []string{"*"}},
		{name: "path", origins: []string{"https://app.example.com/login"}},
		{name: "scheme", origins: []string{"ftp://app.example.com"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ConfigureCORS(nil, testCase.origins); err == nil {
				t.Fatalf("expected error for %v", testCase.origins)
			}
		})
	}
}

func TestSanitizeOriginsNormalizes(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sanitized, err := sanitizeOrigins(zap.New(core), []string{
		"https://App.Example.com/",
		"http://localhost:3000",
		"https://app.example.com",
		"http://staging.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"https://app.example.com", "http://localhost:3000", "http://staging.example.com"}
	if len(sanitized) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, sanitized)
	}
	for index := range expected {
		if sanitized[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, sanitized)
		}
	}
	if warnings := logs.FilterField(zap.String("code", "cors.origin.unsafe")).Len(); warnings != 1 {
		t.Fatalf("expected one unsafe origin warning, got %d", warnings)
	}

	if _, err := sanitizeOrigins(zap.NewNop(), []string{"*"}); !errors.Is(err, errWildcardOrigin) {
		t.Fatalf("expected errWildcardOrigin, got %v", err)
	}
	if _, err := sanitizeOrigins(zap.NewNop(), []string{"https://user@app.example.com"}); !errors.Is(err, errInvalidOrigin) {
		t.Fatalf("expected errInvalidOrigin, got %v", err)
	}
}
