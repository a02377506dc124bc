package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/provisioner/pkg/credentials"
	"github.com/cuemby/provisioner/pkg/launchspec"
	"github.com/cuemby/provisioner/pkg/registry"
	"github.com/cuemby/provisioner/pkg/security"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerTypeBody = `{
	"launchSpec": {"SecurityGroups": ["default"]},
	"userData": {"dind": true},
	"secrets": {},
	"scopes": ["queue:claim-task:aws-provisioner/gecko-b-1"],
	"minCapacity": 0,
	"maxCapacity": 10,
	"scalingRatio": 0,
	"minPrice": 0,
	"maxPrice": 1.5,
	"canUseOnDemand": true,
	"canUseSpot": true,
	"instanceTypes": [{"instanceType": "c3.xlarge", "capacity": 1, "utility": 1}],
	"regions": [{"region": "us-west-2", "launchSpec": {"ImageId": "ami-1"}}],
	"description": "builder",
	"owner": "releng"
}`

type testServer struct {
	*Server
	reg *registry.Registry
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir(), registry.Partitions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sealer, err := security.NewSecretsManagerFromPassword("api-test")
	require.NoError(t, err)
	issuer, err := credentials.NewTemporaryIssuer("aws-provisioner", "access-token")
	require.NoError(t, err)

	reg := registry.New(registry.Options{
		Store: store,
		Validator: launchspec.NewGenerator(launchspec.Config{
			KeyPrefix:     "aws-provisioner-v1-managed:",
			ProvisionerID: "aws-provisioner-v1",
		}),
		Issuer: issuer,
		Sealer: sealer,
	})
	return &testServer{Server: NewServer(reg, cfg), reg: reg}
}

// do sends a request granting every provisioner scope unless scopes are
// given explicitly
func (s *testServer) do(t *testing.T, method, path, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if scopes == nil {
		scopes = []string{"aws-provisioner:*"}
	}
	req.Header.Set(ScopeHeader, strings.Join(scopes, " "))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestCreateWorkerType(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := w.Body.String()
	assert.Contains(t, body, `"canUseOndemand":true`)
	assert.NotContains(t, body, "canUseOnDemand")

	wt := decode[types.WorkerType](t, s.do(t, http.MethodGet, "/v1/worker-type/gecko-b-1", ""))
	assert.Equal(t, "gecko-b-1", wt.WorkerType)
	assert.True(t, wt.CanUseOndemand)
	assert.False(t, wt.LastModified.IsZero())

	// Replays succeed, different definitions conflict.
	w = s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody)
	assert.Equal(t, http.StatusOK, w.Code)

	conflicting := strings.Replace(workerTypeBody, `"maxCapacity": 10`, `"maxCapacity": 11`, 1)
	w = s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", conflicting)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeRequestConflict, decode[ErrorResponse](t, w).Error)
}

func TestCreateWorkerTypeInvalidLaunchSpecs(t *testing.T) {
	s := newTestServer(t, Config{})

	body := strings.Replace(workerTypeBody, `{"ImageId": "ami-1"}`, `{}`, 1)
	w := s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, CodeInvalidLaunchSpecifications, resp.Error)
	assert.Equal(t, []string{"us-west-2/c3.xlarge (hvm): region launchSpec is missing ImageId"}, resp.Reasons)

	w = s.do(t, http.MethodGet, "/v1/worker-type/gecko-b-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkerTypeRejectsBadInput(t *testing.T) {
	s := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "malformed", body: `{"maxCapacity":`},
		{name: "capacity bounds", body: strings.Replace(workerTypeBody, `"minCapacity": 0`, `"minCapacity": 20`, 1)},
		{name: "no purchase option", body: strings.NewReplacer(`"canUseOnDemand": true`, `"canUseOnDemand": false`, `"canUseSpot": true`, `"canUseSpot": false`).Replace(workerTypeBody)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestUpdateWorkerType(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(t, http.MethodPost, "/v1/worker-type/gecko-b-1/update", workerTypeBody)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody).Code)

	updated := strings.Replace(workerTypeBody, `"maxCapacity": 10`, `"maxCapacity": 30`, 1)
	w = s.do(t, http.MethodPost, "/v1/worker-type/gecko-b-1/update", updated)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 30, decode[types.WorkerType](t, w).MaxCapacity)
}

func TestRemoveWorkerType(t *testing.T) {
	s := newTestServer(t, Config{})
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody).Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/worker-type/gecko-b-1", "").Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/worker-type/gecko-b-1", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/worker-type/gecko-b-1", "").Code)
}

func TestListWorkerTypesAndSummaries(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, name := range []string{"b", "a"} {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/worker-type/"+name, workerTypeBody).Code)
	}

	names := decode[[]string](t, s.do(t, http.MethodGet, "/v1/list-worker-types", ""))
	assert.Equal(t, []string{"a", "b"}, names)

	summaries := decode[[]types.Summary](t, s.do(t, http.MethodGet, "/v1/list-worker-type-summaries", ""))
	require.Len(t, summaries, 2)
	assert.Equal(t, "a", summaries[0].WorkerType)
	assert.Equal(t, 10, summaries[0].MaxCapacity)
}

func TestGetLaunchSpecs(t *testing.T) {
	s := newTestServer(t, Config{})
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody).Code)

	w := s.do(t, http.MethodGet, "/v1/worker-type/gecko-b-1/launch-specifications", "")
	require.Equal(t, http.StatusOK, w.Code)

	specs := decode[launchspec.Specs](t, w)
	spec := specs["us-west-2"]["c3.xlarge"]
	assert.Equal(t, "ami-1", spec["ImageId"])
	assert.Equal(t, "aws-provisioner-v1-managed:gecko-b-1", spec["KeyName"])
}

func TestScopes(t *testing.T) {
	s := newTestServer(t, Config{})

	tests := []struct {
		name   string
		scopes []string
		status int
	}{
		{name: "none", scopes: []string{}, status: http.StatusForbidden},
		{name: "other worker type", scopes: []string{"aws-provisioner:manage-worker-type:other"}, status: http.StatusForbidden},
		{name: "view only", scopes: []string{"aws-provisioner:view-worker-type:gecko-b-1"}, status: http.StatusForbidden},
		{name: "exact", scopes: []string{"aws-provisioner:manage-worker-type:gecko-b-1"}, status: http.StatusOK},
		{name: "wildcard", scopes: []string{"aws-provisioner:manage-worker-type:gecko-*"}, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody, tt.scopes...)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status == http.StatusForbidden {
				resp := decode[ErrorResponse](t, w)
				assert.Equal(t, CodeInsufficientScopes, resp.Error)
				assert.Equal(t, []string{"aws-provisioner:manage-worker-type:gecko-b-1"}, resp.Reasons)
			}
		})
	}

	// Either view or manage grants reading.
	w := s.do(t, http.MethodGet, "/v1/worker-type/gecko-b-1", "", "aws-provisioner:view-worker-type:gecko-b-1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthDisabled(t *testing.T) {
	s := newTestServer(t, Config{AuthDisabled: true})

	w := s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody, []string{}...)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAmiSetRoutes(t *testing.T) {
	s := newTestServer(t, Config{})
	body := `{"amis": {"hvm": {"us-west-2": "ami-hvm"}, "pv": {"us-west-2": "ami-pv"}}}`

	w := s.do(t, http.MethodPut, "/v1/ami-set/base", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/ami-set/base", body).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPut, "/v1/ami-set/base", `{"amis": {"hvm": {"us-west-2": "ami-x"}}}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/v1/ami-set/bad", `{"amis": {"arm": {"us-west-2": "ami-x"}}}`).Code)

	w = s.do(t, http.MethodPost, "/v1/ami-set/base/update", `{"amis": {"hvm": {"us-east-1": "ami-east"}}}`)
	require.Equal(t, http.StatusOK, w.Code)

	set := decode[types.AmiSet](t, s.do(t, http.MethodGet, "/v1/ami-set/base", ""))
	image, ok := set.Lookup("us-east-1", types.VirtualizationHVM)
	assert.True(t, ok)
	assert.Equal(t, "ami-east", image)

	assert.Equal(t, []string{"base"}, decode[[]string](t, s.do(t, http.MethodGet, "/v1/list-ami-sets", "")))
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/ami-set/base", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/ami-set/base", "").Code)
}

func TestSecretRoutes(t *testing.T) {
	s := newTestServer(t, Config{})
	expiration := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := `{"workerType": "gecko-b-1", "secrets": {"key": "value"}, "scopes": ["assume:worker-type:gecko-b-1"], "expiration": "` + expiration + `"}`

	w := s.do(t, http.MethodPut, "/v1/secret/tok-1", body, "aws-provisioner:create-secret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "success", decode[Outcome](t, w).Outcome)

	w = s.do(t, http.MethodPut, "/v1/secret/tok-2", `{"secrets": {}}`, "aws-provisioner:create-secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Redemption needs no scopes.
	w = s.do(t, http.MethodGet, "/v1/secret/tok-1", "", []string{}...)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[types.SecretResponse](t, w)
	assert.Equal(t, map[string]any{"key": "value"}, resp.Data)
	assert.Equal(t, []string{"assume:worker-type:gecko-b-1"}, resp.Scopes)
	require.NotNil(t, resp.Credentials)
	assert.Equal(t, "aws-provisioner", resp.Credentials.ClientID)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodGet, "/v1/instance-started/i-123/tok-1", "", []string{}...).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/secret/tok-1", "", []string{}...).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/secret/tok-1", "", []string{}...).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/instance-started/i-123/tok-1", "", []string{}...).Code)
}

func TestSecretRoutesAreRateLimited(t *testing.T) {
	s := newTestServer(t, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 2})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = s.do(t, http.MethodGet, "/v1/secret/unknown", "").Code
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	// Management routes are not limited.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/list-worker-types", "").Code)
}

func TestStateRoute(t *testing.T) {
	s := newTestServer(t, Config{})

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/state/gecko-b-1", "").Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody).Code)
	require.NoError(t, s.reg.States.Write(context.Background(), "gecko-b-1", &types.WorkerState{
		Instances: []*types.Instance{
			{ID: "i-1", Type: "c3.xlarge", State: types.InstanceStateRunning},
			{ID: "i-2", Type: "c3.xlarge", State: types.InstanceStatePending},
		},
		Requests: []*types.Request{{ID: "sir-1", Type: "c3.xlarge", Status: "open"}},
	}))

	w := s.do(t, http.MethodGet, "/v1/state/gecko-b-1", "", "aws-provisioner:view-worker-type:gecko-b-1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		WorkerType              string            `json:"workerType"`
		Instances               []*types.Instance `json:"instances"`
		InternalTrackedRequests []*types.Request  `json:"internalTrackedRequests"`
		Summary                 types.Summary     `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "gecko-b-1", resp.WorkerType)
	assert.Len(t, resp.Instances, 2)
	assert.NotNil(t, resp.InternalTrackedRequests)
	assert.Equal(t, 1, resp.Summary.RunningCapacity)
	assert.Equal(t, 1, resp.Summary.PendingCapacity)
	assert.Equal(t, 1, resp.Summary.RequestedCapacity)
}

func TestWriteStateRoute(t *testing.T) {
	s := newTestServer(t, Config{})
	snapshot := `{
		"instances": [
			{"id": "i-1", "type": "c3.xlarge", "state": "running"},
			{"id": "i-2", "type": "c3.xlarge", "state": "running"}
		],
		"requests": [{"id": "sir-1", "type": "c3.xlarge", "status": "open"}],
		"internalTrackedRequests": [{"id": "sir-2", "type": "c3.xlarge", "status": "open"}]
	}`

	// The worker type must exist.
	w := s.do(t, http.MethodPut, "/v1/state/gecko-b-1", snapshot)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", workerTypeBody).Code)

	tests := []struct {
		name   string
		body   string
		scopes []string
		status int
	}{
		{name: "view scope is not enough", body: snapshot, scopes: []string{"aws-provisioner:view-worker-type:gecko-b-1"}, status: http.StatusForbidden},
		{name: "other worker type", body: snapshot, scopes: []string{"aws-provisioner:update-worker-state:other"}, status: http.StatusForbidden},
		{name: "mismatched body", body: `{"workerType": "other"}`, scopes: []string{"aws-provisioner:update-worker-state:gecko-b-1"}, status: http.StatusBadRequest},
		{name: "malformed body", body: `{"instances": 3}`, scopes: []string{"aws-provisioner:update-worker-state:gecko-b-1"}, status: http.StatusBadRequest},
		{name: "written", body: snapshot, scopes: []string{"aws-provisioner:update-worker-state:gecko-b-1"}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPut, "/v1/state/gecko-b-1", tt.body, tt.scopes...)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	state, err := s.reg.States.Read(context.Background(), "gecko-b-1")
	require.NoError(t, err)
	assert.Equal(t, "gecko-b-1", state.WorkerType)
	assert.Len(t, state.Instances, 2)

	// Summaries reflect the written snapshot.
	w = s.do(t, http.MethodGet, "/v1/list-worker-type-summaries", "")
	require.Equal(t, http.StatusOK, w.Code)
	summaries := decode[[]*types.Summary](t, w)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].RunningCapacity)
	assert.Equal(t, 2, summaries[0].RequestedCapacity)
}

func TestPing(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(t, http.MethodGet, "/v1/ping", "", []string{}...)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[PingResponse](t, w)
	assert.True(t, resp.Alive)
	assert.GreaterOrEqual(t, resp.Uptime, 0.0)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestBodyTooLarge(t *testing.T) {
	s := newTestServer(t, Config{})

	big := `{"description": "` + string(bytes.Repeat([]byte("x"), maxBodyBytes)) + `"}`
	w := s.do(t, http.MethodPut, "/v1/worker-type/gecko-b-1", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestScopeSatisfied(t *testing.T) {
	tests := []struct {
		granted  []string
		required string
		want     bool
	}{
		{granted: nil, required: "a", want: false},
		{granted: []string{"a"}, required: "a", want: true},
		{granted: []string{"a"}, required: "ab", want: false},
		{granted: []string{"a*"}, required: "ab", want: true},
		{granted: []string{"*"}, required: "anything", want: true},
		{granted: []string{"b*", "c"}, required: "a", want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, scopeSatisfied(tt.granted, tt.required), "granted=%v required=%s", tt.granted, tt.required)
	}
}

func TestGrantedScopesSplitsHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Add(ScopeHeader, "a, b c")
	req.Header.Add(ScopeHeader, "d")

	assert.Equal(t, []string{"a", "b", "c", "d"}, grantedScopes(req))
}

func TestClientLimiterPrunesIdleClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))

	now = now.Add(clientIdle + 2*time.Minute)
	assert.True(t, l.allow("10.0.0.2"))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "10.0.0.1")
}
