// Package predictions writes per-bag prediction files.
//
// Every patient gets test_metrics_dir/<model name>/<dataset type>/<patient>/
// bag_predictions_<patient>.txt, made of a header block followed by one
// tab-separated line per bag:
//
//	# Model parameters:
//	# <key> = <value>
//	# num_patients: <N>
//	# bag_id	truth	pred
//	<patient>_<bag>	<truth>	<pred>
package predictions

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Noofbiz/tumorPurity/config"
	"github.com/pkg/errors"
)

const (
	nameDelimiter = "__"
	filePrefix    = "bag_predictions_"
)

// ModelName derives the model tag from a checkpoint file name: the last
// three "__"-separated segments of the base name, without extension.
// model_weights__2020_12_04__15_36_52__10.pth gives 2020_12_04__15_36_52__10.
// Names with fewer segments keep all of them.
func ModelName(initModelFile string) string {
	base := filepath.Base(initModelFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	segments := strings.Split(base, nameDelimiter)
	if len(segments) > 3 {
		segments = segments[len(segments)-3:]
	}
	return strings.Join(segments, nameDelimiter)
}

// Record is one bag prediction.
type Record struct {
	PatientID string
	BagID     int
	Truth     float32
	Pred      float32
}

// String formats the record as a data line, without the newline.
func (r Record) String() string {
	return fmt.Sprintf("%s_%d\t%.3f\t%.3f", r.PatientID, r.BagID, r.Truth, r.Pred)
}

// Writer lays out and writes the prediction files of one run.
type Writer struct {
	root        string
	params      []config.Param
	numPatients int
}

// NewWriter creates a writer for files under
// testMetricsDir/ModelName(initModelFile)/datasetType.
func NewWriter(testMetricsDir, initModelFile, datasetType string, params []config.Param, numPatients int) *Writer {
	return &Writer{
		root:        filepath.Join(testMetricsDir, ModelName(initModelFile), datasetType),
		params:      params,
		numPatients: numPatients,
	}
}

// Dir returns the directory of the patient.
func (w *Writer) Dir(patientID string) string {
	return filepath.Join(w.root, patientID)
}

// Path returns the prediction file of the patient.
func (w *Writer) Path(patientID string) string {
	return filepath.Join(w.Dir(patientID), filePrefix+patientID+".txt")
}

// Begin creates the patient directory if needed and truncates the file to
// the header block. It returns the file path.
func (w *Writer) Begin(patientID string) (string, error) {
	if err := os.MkdirAll(w.Dir(patientID), 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	path := w.Path(patientID)
	err := writeFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, func(b *bufio.Writer) error {
		return WriteHeader(b, w.params, w.numPatients)
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to write header of %s", path)
	}
	return path, nil
}

// Append adds records to the patient file. The file is opened and closed
// within the call.
func (w *Writer) Append(patientID string, records []Record) error {
	path := w.Path(patientID)
	err := writeFile(path, os.O_APPEND|os.O_WRONLY, func(b *bufio.Writer) error {
		for _, r := range records {
			if _, err := b.WriteString(r.String() + "\n"); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "failed to append to %s", path)
}

// WriteHeader writes the header block.
func WriteHeader(b *bufio.Writer, params []config.Param, numPatients int) error {
	lines := make([]string, 0, len(params)+3)
	lines = append(lines, "# Model parameters:")
	for _, p := range params {
		lines = append(lines, fmt.Sprintf("# %s = %s", p.Key, p.Value))
	}
	lines = append(lines, fmt.Sprintf("# num_patients: %d", numPatients), "# bag_id\ttruth\tpred")
	for _, line := range lines {
		if _, err := b.WriteString(line + "\n"); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func writeFile(path string, flag int, fn func(b *bufio.Writer) error) error {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return err
	}
	b := bufio.NewWriter(f)
	if err = fn(b); err != nil {
		_ = f.Close()
		return err
	}
	if err = b.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
