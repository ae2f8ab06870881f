// Package checkpoint reads and writes model checkpoints.
//
// A checkpoint file holds the parameters of a model under model_state_dict
// together with the architecture it was built with. Files ending in .json
// are JSON; every other extension (.pth, .gob, ...) is gob.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Noofbiz/tumorPurity/log"
	"github.com/Noofbiz/tumorPurity/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const formatVersion = 1

// Checkpoint is the on-disk state of a model.
type Checkpoint struct {
	Version        int               `json:"version"`
	Epoch          int               `json:"epoch"`
	CreatedAt      int64             `json:"created_at"`
	Architecture   model.Config      `json:"architecture"`
	ModelStateDict model.StateDict   `json:"model_state_dict"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// New captures the current parameters of m.
func New(m *model.Model, epoch int) *Checkpoint {
	return &Checkpoint{
		Version:        formatVersion,
		Epoch:          epoch,
		CreatedAt:      time.Now().Unix(),
		Architecture:   m.Config,
		ModelStateDict: m.StateDict(),
		Metadata:       make(map[string]string),
	}
}

// Restore builds a model for cfg and loads the checkpoint parameters into it.
// Layer sizes cfg leaves unset are taken from the stored architecture.
func (c *Checkpoint) Restore(cfg model.Config) (*model.Model, error) {
	if cfg.PoolGrid == 0 {
		cfg.PoolGrid = c.Architecture.PoolGrid
	}
	if cfg.ExtractorHidden == 0 {
		cfg.ExtractorHidden = c.Architecture.ExtractorHidden
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = c.Architecture.HiddenSizes
	}
	m, err := model.NewModel(cfg)
	if err != nil {
		return nil, err
	}
	if err = m.LoadStateDict(c.ModelStateDict); err != nil {
		return nil, err
	}
	return m, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Encode writes c to w as JSON or gob.
func Encode(w io.Writer, c *Checkpoint, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		return errors.WithStack(enc.Encode(c))
	}
	return errors.WithStack(gob.NewEncoder(w).Encode(c))
}

// Decode reads a checkpoint written by Encode.
func Decode(r io.Reader, asJSON bool) (*Checkpoint, error) {
	var c Checkpoint
	var err error
	if asJSON {
		err = json.NewDecoder(r).Decode(&c)
	} else {
		err = gob.NewDecoder(r).Decode(&c)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	if c.Version != formatVersion {
		return nil, errors.Errorf("checkpoint version mismatch: file=%d expected=%d", c.Version, formatVersion)
	}
	if len(c.ModelStateDict) == 0 {
		return nil, errors.New("checkpoint has no model_state_dict")
	}
	return &c, nil
}

// Save writes c to path. The file is written to a temporary file in the same
// directory and renamed into place.
func Save(path string, c *Checkpoint) error {
	if path == "" {
		return errors.New("empty checkpoint path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp checkpoint file")
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err = Encode(tmpFile, c, isJSON(path)); err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint %s", path)
	}
	if err = tmpFile.Sync(); err != nil {
		log.Logger().Warn("failed to sync checkpoint", zap.String("path", tmpName), zap.Error(err))
	}
	if err = tmpFile.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "failed to rename checkpoint into place")
	}
	log.Logger().Debug("saved checkpoint", zap.String("path", path), zap.Int("params", len(c.ModelStateDict)))
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, errors.New("empty checkpoint path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	c, err := Decode(f, isJSON(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return c, nil
}
