package api

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-siem/argus/internal/auth"
	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/config"
	"github.com/argus-siem/argus/internal/ml"
	"github.com/argus-siem/argus/internal/store"
)

type testEnv struct {
	server *Server
	mock   sqlmock.Sqlmock
	signer *auth.TokenSigner
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db, "sqlmock")
	signer := auth.NewTokenSigner("test-secret", 7*24*time.Hour)
	authSvc := auth.NewService(st, signer)
	b := bus.NewLocalBus(nil)
	detector := ml.NewDetector(nil, nil, nil, t.TempDir(), time.Minute,
		ml.Bands{High: -0.6, Medium: -0.5, Low: -0.4}, time.Minute)

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, st, authSvc, b, detector, nil,
		store.RetentionPolicy{LogsDays: 30, MetricsDays: 90, ProcessesDays: 30, AlertsDays: 180},
		90*time.Second)
	return &testEnv{server: srv, mock: mock, signer: signer, router: srv.Router()}
}

func (e *testEnv) deviceToken(t *testing.T, deviceID string) string {
	t.Helper()
	token, err := e.signer.SignDevice(deviceID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) userToken(t *testing.T, role string, userID int64) string {
	t.Helper()
	token, err := e.signer.SignUser(&store.User{ID: userID, Email: "a@b.test", Role: role})
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, "GET", "/api/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, env.router, "GET", "/api/devices", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoleEnforcement(t *testing.T) {
	env := newTestEnv(t)

	// Devices cannot browse the dashboard.
	rec := doJSON(t, env.router, "GET", "/api/alerts", env.deviceToken(t, "dev-1"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Analysts cannot mint invitations.
	rec = doJSON(t, env.router, "POST", "/api/invitations", env.userToken(t, store.RoleAnalyst, 7), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins cannot change roles; that is owner-only.
	rec = doJSON(t, env.router, "POST", "/api/users/3/role", env.userToken(t, store.RoleAdmin, 7),
		map[string]string{"role": store.RoleAdmin})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestRequiresDeviceToken(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.userToken(t, store.RoleAdmin, 1),
		map[string]interface{}{"device_id": "dev-1", "data_type": "logs", "records": []interface{}{}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestDeviceMismatch(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"),
		map[string]interface{}{"device_id": "dev-OTHER", "data_type": "logs", "records": []interface{}{map[string]interface{}{}}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestUnknownDataType(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"),
		map[string]interface{}{"device_id": "dev-1", "data_type": "selfies", "records": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func deviceRows(id string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "hostname", "os", "status", "last_seen", "owner_user_id", "disabled", "registered_at"}).
		AddRow(id, "web01", "ubuntu", store.DeviceOnline, time.Now(), nil, false, time.Now())
}

func TestIngestValidationFirstBadIndex(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("FROM devices WHERE id").WillReturnRows(deviceRows("dev-1"))

	records := []interface{}{
		map[string]interface{}{"timestamp": time.Now(), "severity": 6, "message": "ok"},
		map[string]interface{}{"timestamp": time.Now(), "severity": 99, "message": "broken"},
	}
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"),
		map[string]interface{}{"device_id": "dev-1", "data_type": "logs", "records": records})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Error    string `json:"error"`
		BadIndex *int   `json:"bad_index"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.BadIndex)
	assert.Equal(t, 1, *resp.BadIndex)
	assert.Contains(t, resp.Error, "severity")
}

func TestIngestStaleRecordRejected(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("FROM devices WHERE id").WillReturnRows(deviceRows("dev-1"))

	records := []interface{}{
		map[string]interface{}{"timestamp": time.Now().Add(-60 * 24 * time.Hour), "severity": 6, "message": "ancient"},
	}
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"),
		map[string]interface{}{"device_id": "dev-1", "data_type": "logs", "records": records})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngestRetentionHorizonPerKind(t *testing.T) {
	env := newTestEnv(t)
	// A 60 day old metric sample sits inside the 90 day metrics retention
	// even though the same age is past the 30 day log horizon.
	env.mock.ExpectQuery("FROM devices WHERE id").WillReturnRows(deviceRows("dev-1"))
	env.mock.ExpectExec("CREATE TABLE IF NOT EXISTS metrics_").WillReturnResult(driver.ResultNoRows)
	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO metrics").WillReturnResult(driver.RowsAffected(1))
	env.mock.ExpectCommit()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"),
		map[string]interface{}{
			"device_id": "dev-1",
			"data_type": "metrics",
			"records": []interface{}{
				map[string]interface{}{"timestamp": old},
			},
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"ingested":1`)
}

func TestIngestDisabledDevice(t *testing.T) {
	env := newTestEnv(t)
	rows := sqlmock.NewRows([]string{"id", "hostname", "os", "status", "last_seen", "owner_user_id", "disabled", "registered_at"}).
		AddRow("dev-1", "web01", "ubuntu", store.DeviceOnline, time.Now(), nil, true, time.Now())
	env.mock.ExpectQuery("FROM devices WHERE id").WillReturnRows(rows)

	records := []interface{}{map[string]interface{}{"timestamp": time.Now(), "severity": 6, "message": "x"}}
	rec := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"),
		map[string]interface{}{"device_id": "dev-1", "data_type": "logs", "records": records})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestIdempotentRetry(t *testing.T) {
	env := newTestEnv(t)
	// Device lookup and insert happen once; the replay is served from cache.
	env.mock.ExpectQuery("FROM devices WHERE id").WillReturnRows(deviceRows("dev-1"))
	env.mock.ExpectExec("CREATE TABLE IF NOT EXISTS logs_").WillReturnResult(driver.ResultNoRows)
	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO logs").WillReturnResult(driver.RowsAffected(1))
	env.mock.ExpectCommit()

	body := map[string]interface{}{
		"device_id": "dev-1",
		"data_type": "logs",
		"records": []interface{}{
			map[string]interface{}{"timestamp": time.Now().UTC().Truncate(time.Hour), "severity": 6, "message": "once"},
		},
	}
	first := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"), body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := doJSON(t, env.router, "POST", "/api/ingest/batch", env.deviceToken(t, "dev-1"), body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLoginReturnsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	hash, err := auth.HashPassword("s3cret-enough")
	require.NoError(t, err)
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "active", "created_by", "last_login_at", "created_at"}).
		AddRow(4, "ana@argus.test", hash, store.RoleAnalyst, true, nil, nil, time.Now())
	env.mock.ExpectQuery("FROM users WHERE email").WillReturnRows(rows)
	env.mock.ExpectExec("UPDATE users SET last_login_at").WillReturnResult(driver.RowsAffected(1))

	rec := doJSON(t, env.router, "POST", "/auth/login", "",
		map[string]string{"email": "ana@argus.test", "password": "s3cret-enough"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bearer", resp.TokenType)
	claims, err := env.signer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, store.RoleAnalyst, claims.Role)
}

func TestSignupCreatesAnalyst(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	rec := doJSON(t, env.router, "POST", "/auth/signup", "",
		map[string]string{"email": "new@argus.test", "password": "longenough7pw"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(9), resp.ID)
	assert.Equal(t, store.RoleAnalyst, resp.Role)
}

func TestSignupRejectsWeakPassword(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "POST", "/auth/signup", "",
		map[string]string{"email": "new@argus.test", "password": "short1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentRegisterResponseShape(t *testing.T) {
	env := newTestEnv(t)
	invRows := sqlmock.NewRows([]string{"id", "token_hash", "created_by", "expires_at", "consumed_at", "device_id", "created_at"}).
		AddRow(1, "irrelevant", 2, time.Now().Add(time.Hour), nil, nil, time.Now())
	env.mock.ExpectQuery("FROM invitations WHERE token_hash").WillReturnRows(invRows)
	env.mock.ExpectExec("INSERT INTO devices").WillReturnResult(driver.RowsAffected(1))
	env.mock.ExpectExec("UPDATE invitations SET consumed_at").WillReturnResult(driver.RowsAffected(1))

	rec := doJSON(t, env.router, "POST", "/agent/register", "",
		map[string]string{"invitation": "tok-abc", "hostname": "web01", "os": "ubuntu"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		DeviceID   string `json:"device_id"`
		AgentToken string `json:"agent_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.DeviceID)
	claims, err := env.signer.Verify(resp.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, store.RoleDevice, claims.Role)
	assert.Equal(t, resp.DeviceID, claims.Subject)
}

func TestHeartbeatPath(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery("FROM devices WHERE id").WillReturnRows(deviceRows("dev-hb"))

	rec := doJSON(t, env.router, "POST", "/agent/heartbeat", env.deviceToken(t, "dev-hb"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHealthOpen(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMLStatusDisabledModel(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "GET", "/api/ml/status", env.userToken(t, store.RoleAdmin, 1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":false`)

	rec = doJSON(t, env.router, "POST", "/api/ml/detect", env.userToken(t, store.RoleAdmin, 1), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMLStatusRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, "GET", "/api/ml/status", env.userToken(t, store.RoleAnalyst, 1), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeviceRateLimit(t *testing.T) {
	env := newTestEnv(t)
	token := env.deviceToken(t, "dev-rl")
	body := map[string]interface{}{"device_id": "dev-rl", "data_type": "logs", "records": []interface{}{}}

	limited := false
	for i := 0; i < deviceBurst+5; i++ {
		rec := doJSON(t, env.router, "POST", "/api/ingest/batch", token, body)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("request %d", i))
	}
	assert.True(t, limited, "burst should exhaust the per-device limiter")
}

func TestDeadlineOverrunReturns504(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	withDeadline(20*time.Millisecond, slow)(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestDeadlinePassthroughKeepsResponse(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Marker", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	})
	rec := httptest.NewRecorder()
	withDeadline(time.Second, ok)(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Marker"))
	assert.Equal(t, "short", rec.Body.String())
}

func TestLivenessWindowFromConfig(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, 90*time.Second, env.server.liveness.offlineAfter)

	lt := newLivenessTracker(nil, nil, nil, 45*time.Second)
	assert.Equal(t, 45*time.Second, lt.offlineAfter)

	// A zero window falls back rather than flipping every device offline.
	lt = newLivenessTracker(nil, nil, nil, 0)
	assert.Equal(t, 90*time.Second, lt.offlineAfter)
}

func TestQueryWindowClamped(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?minutes=99999999", nil)
	since, until := queryWindow(r)
	assert.Equal(t, maxQueryWindow, until.Sub(since))

	r = httptest.NewRequest("GET", "/x", nil)
	since, until = queryWindow(r)
	assert.Equal(t, defaultQueryWindow, until.Sub(since))
}

func TestPageParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?limit=5000&offset=20", nil)
	limit, offset := pageParams(r)
	assert.Equal(t, maxPageSize, limit)
	assert.Equal(t, 20, offset)
}
