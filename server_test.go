package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/currencyrate"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/mmdatafocus/costing_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*app, *gin.Engine, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	settings := config.DefaultSettings()
	settings.BaseCurrency = "EUR"
	engine := workflow.NewEngine(mem, currencyrate.Static{BaseCurrency: "EUR"}, settings, logger)
	engine.Notifier = notification.Nop{}

	a := newApp(logger)
	r := newRouter(a)
	a.engine.Store(engine)
	return a, r, mem
}

func seedTask(mem *store.Memory) {
	mem.PutMaterial(models.Material{ID: "m-steel", Name: "Steel"})
	mem.PutBatch(models.Batch{
		ID: "b-1", MaterialId: "m-steel", UnitPrice: decimal.RequireFromString("10"),
		InitialQuantity: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("100"),
	})
	mem.PutTask(models.Task{
		ID: "t-1", Number: "T-1", PlannedQuantity: decimal.RequireFromString("5"),
		Materials: []models.TaskMaterial{{ID: "tm-1", TaskId: "t-1", MaterialId: "m-steel", RequiredQuantity: decimal.RequireFromString("20")}},
	})
	mem.PutBatchReservation(models.BatchReservation{
		ID: "r-1", TaskId: "t-1", MaterialId: "m-steel", BatchId: "b-1",
		ReservedQuantity: decimal.RequireFromString("20"), UnitPrice: decimal.RequireFromString("10"),
		Status: models.ReservationStatusPending,
	})
}

func pushBody(t *testing.T, m config.LedgerMessage) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	var env PubSubMessage
	env.Message.Data = data
	env.Message.ID = "msg-1"
	env.Subscription = "projects/p/subscriptions/cascade"
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func adminRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	token, err := utils.JwtGenerate(1, "ops", utils.RoleAdmin)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestReadinessGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := newRouter(newApp(logger))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub/push", bytes.NewReader([]byte("{}"))))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLedgerPush_ProcessesEvent(t *testing.T) {
	_, r, mem := newTestApp(t)
	seedTask(mem)

	event, err := models.NewLedgerEvent(models.LedgerEventTaskRecalculation, models.TaskIdsPayload{TaskIds: []string{"t-1"}}, "cid-1")
	require.NoError(t, err)
	id, err := mem.AppendEvent(context.Background(), event)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub/push", pushBody(t, config.LedgerMessage{
		EventId: id, Type: string(models.LedgerEventTaskRecalculation), CorrelationId: "cid-1",
	})))
	require.Equal(t, http.StatusNoContent, w.Code)

	stored, err := mem.GetEvent(context.Background(), id)
	require.NoError(t, err)
	require.True(t, stored.Processed)

	tasks, err := mem.TasksByIDs(context.Background(), []string{"t-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.True(t, tasks[0].TotalMaterialCost.Equal(decimal.RequireFromString("200")), "material cost %s", tasks[0].TotalMaterialCost)
	// the follow-on task cost event waits for the next delivery
	require.Len(t, mem.Events(models.LedgerEventTaskCostUpdate), 1)
}

func TestLedgerPush_AcksUndeliverableMessages(t *testing.T) {
	_, r, _ := newTestApp(t)

	cases := []struct {
		name string
		body io.Reader
	}{
		{"not json", bytes.NewReader([]byte("nope"))},
		{"unknown event", pushBody(t, config.LedgerMessage{EventId: "missing"})},
		{"no event id", pushBody(t, config.LedgerMessage{})},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub/push", tc.body))
		require.Equal(t, http.StatusNoContent, w.Code, tc.name)
	}
}

func TestCascadeAdmin_RequiresAdmin(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	_, r, _ := newTestApp(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/internal/cascade/events/dead", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCascadeAdmin_Rerun(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	_, r, mem := newTestApp(t)
	seedTask(mem)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, adminRequest(t, http.MethodPost, "/internal/cascade/rerun", []byte(`{"stage":"tasks","ids":["t-1","t-1"],"drain":true}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp rerunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Result.Inputs)
	require.Equal(t, []string{"t-1"}, resp.Result.Written)
	require.GreaterOrEqual(t, resp.Rounds, 1)
	for _, event := range mem.Events(models.LedgerEventTaskCostUpdate) {
		require.True(t, event.Processed, "event %s left unprocessed", event.ID)
	}

	// a settled task writes nothing the second time
	w = httptest.NewRecorder()
	r.ServeHTTP(w, adminRequest(t, http.MethodPost, "/internal/cascade/rerun", []byte(`{"stage":"tasks","ids":["t-1"]}`)))
	require.Equal(t, http.StatusOK, w.Code)
	resp = rerunResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(t, resp.Result.Written)
}

func TestCascadeAdmin_RerunValidation(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	_, r, _ := newTestApp(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown stage", `{"stage":"invoices","ids":["x"]}`, http.StatusBadRequest},
		{"missing ids", `{"stage":"tasks"}`, http.StatusBadRequest},
		{"blank id", `{"stage":"tasks","ids":[""]}`, http.StatusBadRequest},
		{"all periods needs no ids", `{"stage":"all_periods"}`, http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, adminRequest(t, http.MethodPost, "/internal/cascade/rerun", []byte(tc.body)))
		require.Equal(t, tc.want, w.Code, "%s: %s", tc.name, w.Body.String())
	}
}

func TestCascadeAdmin_BreakdownAndReplay(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	_, r, mem := newTestApp(t)
	seedTask(mem)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, adminRequest(t, http.MethodGet, "/internal/cascade/tasks/t-1/breakdown", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Lines   []breakdownLine `json:"lines"`
		Changed bool            `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Changed)
	require.Len(t, body.Lines, 1)
	require.Equal(t, "Steel", body.Lines[0].MaterialName)
	require.Equal(t, 0, mem.Commits())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, adminRequest(t, http.MethodGet, "/internal/cascade/tasks/t-gone/breakdown", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, adminRequest(t, http.MethodPost, "/internal/cascade/events/e-gone/replay", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, adminRequest(t, http.MethodGet, "/internal/cascade/events/dead?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
