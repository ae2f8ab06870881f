package predictions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/tumorPurity/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelName(t *testing.T) {
	assert.Equal(t, "2020_12_04__15_36_52__10", ModelName("model_weights__2020_12_04__15_36_52__10.pth"))
	assert.Equal(t, "2020_12_04__15_36_52__10", ModelName("/saved_models/model_weights__2020_12_04__15_36_52__10.pth"))
	assert.Equal(t, "15_36_52__10", ModelName("15_36_52__10.pth"))
	assert.Equal(t, "weights", ModelName("weights.pth"))
}

func TestRecordString(t *testing.T) {
	assert.Equal(t, "p1_0\t0.800\t0.123", Record{PatientID: "p1", BagID: 0, Truth: 0.8, Pred: 0.12345}.String())
	assert.Equal(t, "p1_12\t0.000\t-0.500", Record{PatientID: "p1", BagID: 12, Truth: 0, Pred: -0.5}.String())
	assert.Equal(t, "p_1\t1.000\t0.667", Record{PatientID: "p", BagID: 1, Truth: 1, Pred: 2.0 / 3}.String())
}

func TestWriter(t *testing.T) {
	root := t.TempDir()
	params := config.Default().Params()
	w := NewWriter(root, "model_weights__2020_12_04__15_36_52__10.pth", "test", params, 2)
	expected := filepath.Join(root, "2020_12_04__15_36_52__10", "test", "p1", "bag_predictions_p1.txt")
	assert.Equal(t, expected, w.Path("p1"))

	path, err := w.Begin("p1")
	require.NoError(t, err)
	assert.Equal(t, expected, path)
	require.NoError(t, w.Append("p1", []Record{{PatientID: "p1", BagID: 0, Truth: 0.8, Pred: 0.7}}))
	require.NoError(t, w.Append("p1", []Record{{PatientID: "p1", BagID: 1, Truth: 0.8, Pred: 0.9}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3+len(params)+2)
	assert.Equal(t, "# Model parameters:", lines[0])
	assert.Equal(t, "# init_model_file = ", lines[1])
	assert.Equal(t, "# dataset_type = test", lines[5])
	assert.Equal(t, "# sigma = 0.05", lines[10])
	assert.Equal(t, "# test_fold = 4", lines[16])
	assert.Equal(t, "# num_patients: 2", lines[17])
	assert.Equal(t, "# bag_id\ttruth\tpred", lines[18])
	assert.Equal(t, "p1_0\t0.800\t0.700", lines[19])
	assert.Equal(t, "p1_1\t0.800\t0.900", lines[20])

	// Begin truncates, and an existing directory is fine
	_, err = w.Begin("p1")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3+len(params), strings.Count(string(data), "\n"))
	assert.NotContains(t, string(data), "p1_0")
}

func TestAppendWithoutBegin(t *testing.T) {
	w := NewWriter(t.TempDir(), "m.pth", "test", nil, 1)
	assert.Error(t, w.Append("p9", []Record{{PatientID: "p9"}}))
}

func TestPlot(t *testing.T) {
	dir := t.TempDir()
	path := PlotPath(filepath.Join(dir, "bag_predictions_p1.txt"))
	assert.Equal(t, filepath.Join(dir, "bag_predictions_p1.png"), path)

	records := []Record{
		{PatientID: "p1", BagID: 0, Truth: 0.8, Pred: 0.7},
		{PatientID: "p1", BagID: 1, Truth: 0.8, Pred: 1.2},
	}
	require.NoError(t, Plot(path, "p1", records))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, Plot(path, "p1", nil))
}
