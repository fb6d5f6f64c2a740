package server

import (
	"net/http"
	"testing"

	"precept-serve/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryServer(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	v1Model, v1Desc := writeModel(t, dir, "v1", 1)
	v2Model, v2Desc := writeModel(t, dir, "v2", 2)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.AddVersion("v1", v1Model, v1Desc)
	require.NoError(t, err)
	_, err = store.AddVersion("v2", v2Model, v2Desc)
	require.NoError(t, err)
	// v3 has a descriptor but no artifact
	_, err = store.AddVersion("v3", dir+"/v3.ffn", v1Desc)
	require.NoError(t, err)
	require.NoError(t, store.ActivateVersion("v1"))

	h, err := NewHolder(&PipelineLoader{Registry: store}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	ts := newTestServer(t, h, Config{Registry: store})
	return store, ts.URL
}

func predictOutput(t *testing.T, url string) (float64, string) {
	t.Helper()
	resp := postJSON(t, url+"/predict", PredictionRequest{Input: []float64{5, 5}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[PredictionResponse](t, resp.Body)
	return body.Output[0], body.ModelVersion
}

func TestRegistry_ActivateAndRollback(t *testing.T) {
	store, url := newRegistryServer(t)

	out, version := predictOutput(t, url)
	assert.Equal(t, "v1", version)
	assert.InDelta(t, 0.5, out, 1e-6)

	resp := postJSON(t, url+"/models/activate", activateRequest{Version: "v2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v2", decode[ModelInfo](t, resp.Body).Version)

	out, version = predictOutput(t, url)
	assert.Equal(t, "v2", version)
	assert.InDelta(t, 1.0, out, 1e-6)

	resp = postJSON(t, url+"/models/rollback", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, version = predictOutput(t, url)
	assert.Equal(t, "v1", version)

	active, err := store.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
}

func TestRegistry_BrokenVersionRestoresPrevious(t *testing.T) {
	store, url := newRegistryServer(t)

	resp := postJSON(t, url+"/models/activate", activateRequest{Version: "v3"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	active, err := store.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)

	_, version := predictOutput(t, url)
	assert.Equal(t, "v1", version)
}

func TestRegistry_Errors(t *testing.T) {
	_, url := newRegistryServer(t)

	resp := postJSON(t, url+"/models/activate", activateRequest{Version: "v9"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, url+"/models/activate", struct{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// v1 is the oldest version
	resp = postJSON(t, url+"/models/rollback", struct{}{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	get, err := http.Get(url + "/models/rollback")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestRegistry_List(t *testing.T) {
	_, url := newRegistryServer(t)

	resp, err := http.Get(url + "/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	versions := decode[[]storage.ModelVersion](t, resp.Body)
	require.Len(t, versions, 3)
	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
			assert.Equal(t, "v1", v.Version)
		}
	}
	assert.Equal(t, 1, active)
}

func TestRegistry_NotConfigured(t *testing.T) {
	h, _, _ := newTestHolder(t)
	ts := newTestServer(t, h, Config{})

	resp, err := http.Get(ts.URL + "/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
