package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mobiletoly/go-queuesync/internal/config"
	"github.com/mobiletoly/go-queuesync/internal/database"
	"github.com/mobiletoly/go-queuesync/queuesync"
)

// integrationHarness runs the full HTTP stack against PostgreSQL in a container
type integrationHarness struct {
	components *ServerComponents
	server     *httptest.Server
	storageDir string
	tokens     map[string]string
}

func setupIntegration(t *testing.T) *integrationHarness {
	t.Helper()
	if os.Getenv("QS_TEST_INTEGRATION") == "" {
		t.Skip("set QS_TEST_INTEGRATION=1 to run PostgreSQL integration tests")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("queuesync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		postgres.WithInitScripts(filepath.Join("testdata", "farm_schema.sql")),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	require.NoError(t, database.Migrate(connStr, logger))
	pool, err := database.Connect(ctx, connStr, "queuesync-it", logger)
	require.NoError(t, err)

	mapper, err := LoadMapper(filepath.Join("testdata", "entities.yaml"))
	require.NoError(t, err)

	storageDir := t.TempDir()
	cfg := &config.Config{
		JWTSecret:       "integration-secret",
		StorageDir:      storageDir,
		PublicBaseURL:   "http://localhost/files",
		MaxUploadBytes:  1 << 20,
		MaxBatchSize:    1000,
		ParentCacheSize: 100,
		ParentCacheTTL:  time.Minute,
		TxMaxAttempts:   3,
	}
	components, err := NewServerComponents(ctx, pool, mapper, cfg, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(components.Handler)
	t.Cleanup(func() {
		srv.Close()
		components.Close()
	})

	return &integrationHarness{components: components, server: srv, storageDir: storageDir, tokens: map[string]string{}}
}

func (h *integrationHarness) request(t *testing.T, method, path, userID string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, body)
	require.NoError(t, err)
	if userID != "" {
		token, ok := h.tokens[userID]
		if !ok {
			token, err = h.components.JWTAuth.GenerateToken(userID, "device-"+userID, time.Hour)
			require.NoError(t, err)
			h.tokens[userID] = token
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *integrationHarness) postJSON(t *testing.T, path, userID string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return h.request(t, http.MethodPost, path, userID, bytes.NewReader(data), "application/json")
}

func (h *integrationHarness) sync(t *testing.T, userID string, actions ...queuesync.QueueActionRequest) *http.Response {
	t.Helper()
	return h.postJSON(t, "/sync/queue-actions", userID, queuesync.SyncQueueActionsRequest{Actions: actions})
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func action(kind, entity string, at time.Time, data string) queuesync.QueueActionRequest {
	return queuesync.QueueActionRequest{Action: kind, Entity: entity, Data: json.RawMessage(data), ActionedAt: at}
}

func TestIntegration_SyncLifecycle(t *testing.T) {
	h := setupIntegration(t)
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	farmID, animalID, vaccinationID, photoID := uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()

	resp := h.request(t, http.MethodPost, "/sync/files/"+photoID, "owner", strings.NewReader("photo-bytes"), "image/jpeg")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// the animal arrives before its farm; ordering by actioned_at fixes it
	resp = h.sync(t, "owner",
		action("insert", "animal", t0.Add(time.Second),
			fmt.Sprintf(`{"id":%q,"farm_id":%q,"name":"Bella","inside":true,"photo_id":%q}`, animalID, farmID, photoID)),
		action("insert", "farm", t0, fmt.Sprintf(`{"id":%q,"name":"North"}`, farmID)),
		action("insert", "vaccination", t0.Add(2*time.Second),
			fmt.Sprintf(`{"id":%q,"animal_id":%q,"vaccine":"Rabies"}`, vaccinationID, animalID)),
		action("update", "animal", t0.Add(3*time.Second),
			fmt.Sprintf(`{"id":%q,"attributes":{"code":"B-1"}}`, animalID)),
	)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var logged int
	require.NoError(t, h.components.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM sync_queue_actions WHERE owner_id = 'owner'`).Scan(&logged))
	assert.Equal(t, 4, logged)
	var devices int
	require.NoError(t, h.components.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM sync_queue_actions WHERE device_id = 'device-owner'`).Scan(&devices))
	assert.Equal(t, 4, devices, "the submitting device is logged with every action")

	resp = h.request(t, http.MethodGet, "/sync/entities/farm", "owner", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	farms := decodeJSON[[]map[string]any](t, resp)
	require.Len(t, farms, 1)
	assert.Equal(t, farmID, farms[0]["id"])
	animals, ok := farms[0]["_animals"].([]any)
	require.True(t, ok)
	require.Len(t, animals, 1)
	animal := animals[0].(map[string]any)
	assert.Equal(t, "B-1", animal["code"])
	assert.Len(t, animal["_vaccinations"], 1)

	// the photo was linked below the owner's farm
	linked := filepath.Join(h.storageDir, "owner", "farm", farmID, "animal", animalID, photoID)
	assert.FileExists(t, linked)
	resp = h.request(t, http.MethodGet, "/files/owner/farm/"+farmID+"/animal/"+animalID+"/"+photoID, "owner", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "photo-bytes", string(data))

	resp = h.request(t, http.MethodGet, "/sync/entities/animal/hashes", "owner", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hashes := decodeJSON[[]queuesync.EntityHash](t, resp)
	require.Len(t, hashes, 1)

	resp = h.postJSON(t, "/sync/hashes/validate", "owner", queuesync.ValidateHashesRequest{
		Hashes: []queuesync.EntityHash{{Entity: "animal", Hash: queuesync.HashList([]string{hashes[0].Hash})}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeJSON[[]queuesync.HashValidation](t, resp)[0].Matched)

	// another user sees nothing until the farm is shared
	resp = h.request(t, http.MethodGet, "/sync/entities/vaccination", "guest", nil, "")
	assert.Empty(t, decodeJSON[[]map[string]any](t, resp))
	photoPath := "/files/owner/farm/" + farmID + "/animal/" + animalID + "/" + photoID
	resp = h.request(t, http.MethodGet, photoPath, "guest", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.request(t, http.MethodGet, "/files/owner/", "guest", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "directories are never listed")

	resp = h.postJSON(t, "/sync/grants", "owner", map[string]any{
		"user_id": "guest", "entity": map[string]string{"entity": "farm", "id": farmID}, "access_level": "R",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.request(t, http.MethodGet, "/sync/entities/vaccination", "guest", nil, "")
	assert.Len(t, decodeJSON[[]map[string]any](t, resp), 1)
	resp = h.request(t, http.MethodGet, photoPath, "guest", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "READ on the farm covers files of its animals")

	resp = h.sync(t, "guest", action("delete", "animal", t0.Add(time.Minute), fmt.Sprintf(`{"id":%q}`, animalID)))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.sync(t, "owner", action("delete", "vaccination", t0.Add(time.Minute), fmt.Sprintf(`{"id":%q}`, vaccinationID)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var deletedAt *time.Time
	require.NoError(t, h.components.Pool.QueryRow(context.Background(),
		`SELECT sync_deleted_at FROM vaccinations WHERE id = $1`, vaccinationID).Scan(&deletedAt))
	assert.NotNil(t, deletedAt, "deletes are soft")

	resp = h.request(t, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `queuesync_http_requests_total{method="POST",route="/sync/queue-actions",status="202"}`)
	assert.Contains(t, string(body), "queuesync_actions_applied_total")
}

func TestIntegration_RestrictionIsAtomic(t *testing.T) {
	h := setupIntegration(t)
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	var batch []queuesync.QueueActionRequest
	for i := 0; i < 6; i++ {
		batch = append(batch, action("insert", "farm", t0.Add(time.Duration(i)*time.Second),
			fmt.Sprintf(`{"id":%q,"name":"Farm %d"}`, uuid.NewString(), i)))
	}
	resp := h.sync(t, "owner", batch...)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decodeJSON[queuesync.ErrorResponse](t, resp)
	assert.Equal(t, queuesync.CodeMaxCountExceeded, errResp.Error)

	var farms int
	require.NoError(t, h.components.Pool.QueryRow(context.Background(), `SELECT count(*) FROM farms`).Scan(&farms))
	assert.Zero(t, farms, "a rejected batch writes nothing")

	resp = h.sync(t, "owner", batch[:5]...)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestIntegration_ExportJob(t *testing.T) {
	h := setupIntegration(t)
	farmID := uuid.NewString()
	resp := h.sync(t, "owner", action("insert", "farm", time.Now().UTC(), fmt.Sprintf(`{"id":%q,"name":"North"}`, farmID)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/sync/jobs", "owner", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeJSON[queuesync.SyncJobResponse](t, resp)

	var final queuesync.SyncJobResponse
	require.Eventually(t, func() bool {
		resp := h.request(t, http.MethodGet, "/sync/jobs/"+job.ID, "owner", nil, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		final = decodeJSON[queuesync.SyncJobResponse](t, resp)
		return final.Status == queuesync.SyncJobSuccess || final.Status == queuesync.SyncJobFailed
	}, 10*time.Second, 100*time.Millisecond)

	require.Equal(t, queuesync.SyncJobSuccess, final.Status)
	require.NotNil(t, final.DownloadURL)
	assert.FileExists(t, filepath.Join(h.storageDir, "exports", "owner", job.ID+".sqlite"))

	exportPath := "/files/exports/owner/" + job.ID + ".sqlite"
	for _, p := range []string{"/files/exports/", "/files/exports/owner/", exportPath} {
		resp = h.request(t, http.MethodGet, p, "mallory", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
	}
	resp = h.request(t, http.MethodGet, exportPath, "owner", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := h.components.SyncService.PruneExports(context.Background(), -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, filepath.Join(h.storageDir, "exports", "owner", job.ID+".sqlite"))
}
