package gatewarden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "hunter2"
)

func newTestAPI(t testing.TB) (*API, *Gatewarden) {
	t.Helper()
	b := newTestBot(t)

	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)

	ctx := context.Background()
	settings, err := b.GetSettings(ctx)
	require.NoError(t, err)
	settings.AdminUsername = testAdminUsername
	settings.AdminPassword = hash
	require.NoError(t, b.UpdateSettings(ctx, settings))

	api, err := newAPI(b, b.config.API)
	require.NoError(t, err)
	b.api = api
	return api, b
}

func apiRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(data)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.SetBasicAuth(testAdminUsername, testAdminPassword)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheckUnauthenticated(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, basicAuthRealm, w.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth(testAdminUsername, "wrong")
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("wrong", testAdminPassword)
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRejectsUnconfiguredCredentials(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)
	api, err := newAPI(b, b.config.API)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth(testAdminUsername, testAdminPassword)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIStatus(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "cache")
	assert.Equal(t, false, body["discord_connected"])
}

func TestAPIGuildPermissions(t *testing.T) {
	t.Parallel()
	api, b := newTestAPI(t)
	ctx := context.Background()

	require.NoError(
		t, b.gate.ToggleCommand(ctx, "guild1", GuildWideScope, "ping", false),
	)
	require.NoError(
		t, b.gate.ToggleCommand(ctx, "guild1", "42", "uptime", false),
	)

	w := apiRequest(
		t, api, http.MethodGet, "/api/guilds/guild1/permissions", nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		GuildID     string                   `json:"guild_id"`
		Permissions map[string]CommandPermissionSnapshot `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "guild1", body.GuildID)
	assert.Equal(t, []string{"ping"}, body.Permissions["guild"].Deny)
	assert.Equal(t, []string{"uptime"}, body.Permissions["42"].Deny)
}

func TestAPIGuildBlocked(t *testing.T) {
	t.Parallel()
	api, b := newTestAPI(t)
	ctx := context.Background()

	require.NoError(
		t, b.gate.ToggleCommand(ctx, "guild1", GuildWideScope, "ping", false),
	)
	require.NoError(
		t, b.gate.ToggleCommand(ctx, "guild1", "42", "uptime", false),
	)

	w := apiRequest(
		t,
		api,
		http.MethodGet,
		"/api/guilds/guild1/blocked?channel_id=42",
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Blocked []string `json:"blocked"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"ping", "uptime"}, body.Blocked)
}

func TestAPIBlacklist(t *testing.T) {
	t.Parallel()
	api, b := newTestAPI(t)

	w := apiRequest(
		t, api, http.MethodPut, "/api/blacklist/123456789012345678", nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, b.gate.IsGloballyBlocked("123456789012345678"))

	w = apiRequest(t, api, http.MethodGet, "/api/blacklist", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Blacklist []string `json:"blacklist"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"123456789012345678"}, body.Blacklist)

	w = apiRequest(
		t, api, http.MethodDelete, "/api/blacklist/123456789012345678", nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, b.gate.IsGloballyBlocked("123456789012345678"))
}

func TestAPIInvalidateGuild(t *testing.T) {
	t.Parallel()
	api, b := newTestAPI(t)
	ctx := context.Background()

	// warm the permission cache, then toggle directly via the DB so the
	// cached copy goes stale
	_, err := b.gate.CommandPermissions(ctx, "guild1")
	require.NoError(t, err)
	require.NoError(
		t,
		b.db.Create(
			&CommandRule{
				GuildID:   "guild1",
				ChannelID: GuildWideScope,
				Name:      "ping",
				Whitelist: false,
			},
		).Error,
	)

	resolved, err := b.gate.CommandPermissions(ctx, "guild1")
	require.NoError(t, err)
	assert.False(t, resolved.IsCommandBlocked("ping", "42"))

	w := apiRequest(
		t, api, http.MethodPost, "/api/guilds/guild1/invalidate", nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	resolved, err = b.gate.CommandPermissions(ctx, "guild1")
	require.NoError(t, err)
	assert.True(t, resolved.IsCommandBlocked("ping", "42"))
}

func TestAPIGetSettingsHidesPassword(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var settings BotSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, testAdminUsername, settings.AdminUsername)
	assert.Empty(t, settings.AdminPassword)
}

func TestAPIUpdateSettings(t *testing.T) {
	t.Parallel()
	api, b := newTestAPI(t)

	w := apiRequest(
		t,
		api,
		http.MethodPatch,
		"/api/settings",
		map[string]any{"paused": true, "spam_limit_count": 3},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var settings BotSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.True(t, settings.Paused)
	assert.Equal(t, 3, settings.SpamLimitCount)
	assert.Empty(t, settings.AdminPassword)

	stored, err := b.GetSettings(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.Paused)
	assert.Equal(t, 3, stored.SpamLimitCount)
	// untouched fields keep their values
	assert.Equal(t, DefaultSpamLimitWindow, stored.SpamLimitWindow)
	assert.Equal(t, testAdminUsername, stored.AdminUsername)
}

func TestAPIPauseResume(t *testing.T) {
	t.Parallel()
	api, b := newTestAPI(t)
	ctx := context.Background()

	w := apiRequest(t, api, http.MethodPost, "/api/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings, err := b.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.Paused)

	w = apiRequest(t, api, http.MethodPost, "/api/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings, err = b.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.Paused)
}

func TestAPIRequestIDHeader(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, "/api/status", nil)
	assert.Len(t, w.Header().Get(xRequestIDHeader), 64)
}

func TestAPIRequestMetrics(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t)

	for i := 0; i < 3; i++ {
		apiRequest(t, api, http.MethodGet, "/api/status", nil)
	}

	api.requestMetricsMu.Lock()
	count := api.requestMetrics[fmt.Sprintf("%s /api/status", http.MethodGet)]
	api.requestMetricsMu.Unlock()
	assert.Equal(t, 3, count)
}
