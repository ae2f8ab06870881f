package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// imageExtensions are the patch file types the loader can decode.
var imageExtensions = []string{".jpeg", ".jpg", ".png"}

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// foldPath returns the patient list file of a fold.
func foldPath(datasetDir string, fold int) string {
	return filepath.Join(datasetDir, fmt.Sprintf("fold%d.csv", fold))
}

// foldRecord is one row of a fold file.
type foldRecord struct {
	patientID string
	purity    float32
}

// readFold reads the patient ids and tumor purities of a fold file. The
// header must contain "patient_id" and "tumor_purity"; other columns are
// ignored.
func readFold(path string) ([]foldRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fold file %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range []string{"patient_id", "tumor_purity"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("required column %q not found in %s", col, path)
		}
	}
	idCol, purityCol := colIndex["patient_id"], colIndex["tumor_purity"]

	var records []foldRecord
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d of %s: %w", row, path, err)
		}
		if idCol >= len(record) || purityCol >= len(record) {
			return nil, fmt.Errorf("row %d of %s has %d columns", row, path, len(record))
		}
		id := strings.TrimSpace(record[idCol])
		if id == "" {
			continue
		}
		purity, err := parseFloat32(record[purityCol])
		if err != nil {
			return nil, fmt.Errorf("failed to parse tumor_purity of %s in %s: %w", id, path, err)
		}
		records = append(records, foldRecord{patientID: id, purity: purity})
	}
	return records, nil
}

// listImages returns the sorted image files directly under dir. A missing
// directory yields no files.
func listImages(dir string) ([]string, error) {
	var paths []string
	for _, ext := range imageExtensions {
		for _, pattern := range []string{"*" + ext, "*" + strings.ToUpper(ext)} {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, err
			}
			paths = append(paths, matches...)
		}
	}
	paths = lo.Uniq(paths)
	sort.Strings(paths)
	return paths, nil
}
