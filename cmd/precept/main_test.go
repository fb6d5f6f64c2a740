package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"precept-serve/internal/adapter"
	"precept-serve/internal/common"
	"precept-serve/internal/drift"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const descriptorYAML = `
num_x: 2
num_y: 1
params_x: [a, b]
params_y: [y]
min_x: [0, 0]
max_x: [10, 10]
min_y: [0]
max_y: [1]
`

func writeFixtures(t *testing.T) (modelPath, configPath string) {
	t.Helper()
	dir := t.TempDir()
	g, err := adapter.NewGraph([]adapter.Layer{{
		Weights:    mat.NewDense(1, 2, []float64{0.5, 0.5}),
		Bias:       []float64{0},
		Activation: adapter.Linear,
	}})
	require.NoError(t, err)
	modelPath = filepath.Join(dir, "mean.ffn")
	configPath = filepath.Join(dir, "mean.yml")
	require.NoError(t, g.SaveFile(modelPath))
	require.NoError(t, os.WriteFile(configPath, []byte(descriptorYAML), 0o600))
	return modelPath, configPath
}

func TestRunPredict_Local(t *testing.T) {
	modelPath, configPath := writeFixtures(t)
	var out bytes.Buffer

	err := runPredict([]string{"-model", modelPath, "-config", configPath, "5,5", "10, 0"}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "y", lines[0])
	assert.Equal(t, "0.5", lines[1])
	assert.Equal(t, "0.5", lines[2])
}

func TestRunPredict_DimensionError(t *testing.T) {
	modelPath, configPath := writeFixtures(t)

	err := runPredict([]string{"-model", modelPath, "-config", configPath, "1,2,3"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDimension)
	assert.Equal(t, 2, exitCode(err))
}

func TestRunPredict_RequiresModel(t *testing.T) {
	t.Setenv(common.EnvModelPath, "")
	t.Setenv(common.EnvDescriptorPath, "")
	err := runPredict([]string{"1,2"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestCollectRows(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(file, []byte("a,b\n1,2\n# skipped\n3, 4\n"), 0o600))

	rows, err := collectRows([]string{"0.5,0.25"}, file)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.5, 0.25}, {1, 2}, {3, 4}}, rows)

	require.NoError(t, os.WriteFile(file, []byte("1,2\nx,y\n"), 0o600))
	_, err = collectRows(nil, file)
	assert.Error(t, err)

	_, err = collectRows([]string{"1,nope"}, "")
	assert.Error(t, err)
}

func TestRunModels(t *testing.T) {
	modelPath, configPath := writeFixtures(t)
	data := t.TempDir()

	var out bytes.Buffer
	require.NoError(t, runModels([]string{"add", "-data", data, "-model", modelPath, "-config", configPath, "-version", "v1", "-activate"}, &out))
	assert.Equal(t, "v1\n", out.String())

	require.NoError(t, runModels([]string{"add", "-data", data, "-model", modelPath, "-config", configPath, "-version", "v2"}, &bytes.Buffer{}))
	require.NoError(t, runModels([]string{"activate", "-data", data, "v2"}, &bytes.Buffer{}))

	out.Reset()
	require.NoError(t, runModels([]string{"rollback", "-data", data}, &out))
	assert.Equal(t, "v1\n", out.String())

	out.Reset()
	require.NoError(t, runModels([]string{"list", "-data", data}, &out))
	assert.Contains(t, out.String(), "VERSION")
	assert.Contains(t, out.String(), "v2")
	assert.Regexp(t, `\*\s+v1`, out.String())

	assert.Error(t, runModels([]string{"add", "-data", data, "-model", filepath.Join(data, "missing.ffn"), "-config", configPath}, &bytes.Buffer{}))
	assert.Error(t, runModels([]string{"frobnicate", "-data", data}, &bytes.Buffer{}))
	assert.Error(t, runModels(nil, &bytes.Buffer{}))
}

func TestRunInfo(t *testing.T) {
	_, configPath := writeFixtures(t)
	var out bytes.Buffer
	require.NoError(t, runInfo([]string{"-config", configPath}, &out))
	assert.Contains(t, out.String(), `"num_x": 2`)
	assert.Contains(t, out.String(), `"trafo_type": "none"`)
}

func TestRunDrift_Remote(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(drift.Report{
			ModelVersion:  "v1",
			Samples:       10,
			BaselineReady: true,
			Params:        []drift.ParamReport{{Name: "a", AboveMax: 2, ExtrapolationRate: 0.2, PSI: 0.5, Drifted: true}},
		})
	}))
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, runDrift([]string{"-remote", ts.URL}, &out))
	assert.Contains(t, out.String(), "model v1: 10 samples")
	assert.Regexp(t, `a\s+0\s+2\s+20\.00\s+0\.000\s+0\.500\s+true`, out.String())
}
