package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/tumorPurity/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.NewModel(model.Config{
		NumClasses:      1,
		NumInstances:    2,
		NumFeatures:     3,
		NumBins:         4,
		Sigma:           0.1,
		PatchSize:       4,
		PoolGrid:        2,
		ExtractorHidden: 5,
		HiddenSizes:     []int{6},
		Seed:            9,
	})
	require.NoError(t, err)
	return m
}

func TestSaveLoad(t *testing.T) {
	m := newModel(t)
	for _, name := range []string{"model_weights__2020_12_04__15_36_52__10.pth", "weights.json"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		c := New(m, 10)
		c.Metadata["note"] = "smoke"
		require.NoError(t, Save(path, c))

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary files are removed")

		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 10, loaded.Epoch)
		assert.Equal(t, "smoke", loaded.Metadata["note"])
		assert.Equal(t, m.Config, loaded.Architecture)
		assert.Equal(t, m.StateDict(), loaded.ModelStateDict)
	}
}

func TestJSONLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, New(newModel(t), 1), true))
	assert.Contains(t, buf.String(), `"model_state_dict":{"feature_extractor.fc1.bias":{"dims":[5]`)
}

func TestRestore(t *testing.T) {
	m := newModel(t)
	c := New(m, 0)

	restored, err := c.Restore(model.Config{NumClasses: 1, NumInstances: 2, NumFeatures: 3, NumBins: 4, Sigma: 0.1, PatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, m.StateDict(), restored.StateDict())
	assert.Equal(t, []int{6}, restored.Config.HiddenSizes)

	// architecture flags that disagree with the parameters are rejected
	_, err = c.Restore(model.Config{NumClasses: 1, NumInstances: 2, NumFeatures: 8, NumBins: 4, Sigma: 0.1, PatchSize: 4})
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Load(filepath.Join(dir, "missing.pth"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.pth")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o644))
	_, err = Load(garbage)
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Checkpoint{Version: formatVersion + 1}, true))
	_, err = Decode(&buf, true)
	assert.ErrorContains(t, err, "version mismatch")

	buf.Reset()
	require.NoError(t, Encode(&buf, &Checkpoint{Version: formatVersion}, false))
	_, err = Decode(&buf, false)
	assert.ErrorContains(t, err, "no model_state_dict")

	assert.Error(t, Save("", New(newModel(t), 0)))
}
