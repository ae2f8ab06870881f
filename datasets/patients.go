package datasets

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Noofbiz/tumorPurity/model"
)

// ErrNoMorePatients is returned by NextPatient after the last patient.
var ErrNoMorePatients = errors.New("no more patients")

// Options configures a PatientDataset.
type Options struct {
	ImageDir       string
	NormalImageDir string
	DatasetDir     string
	DatasetType    string
	FoldList       []int

	PatchSize         int
	NumInstances      int
	NumBagsPerPatient int

	// Seed of the bag sampler.
	Seed int64

	// CacheSize bounds the number of decoded patches kept in memory. Zero
	// disables the cache.
	CacheSize int
}

// Patient is the current patient of a PatientDataset.
type Patient struct {
	ID            string
	Purity        float32
	Patches       []string
	NormalPatches []string
}

// PatientDataset serves bags one patient at a time.
type PatientDataset struct {
	opts Options

	patientIDs []string
	purities   []float32

	// cursor is -1 until the first NextPatient.
	cursor  int
	current *Patient

	// Number of tumor and normal bags of the current patient.
	numTumorBags  int
	numNormalBags int

	patches *patchStore
}

// NewPatientDataset reads the fold files of opts.FoldList. Patches are only
// listed when a patient becomes current.
func NewPatientDataset(opts Options) (*PatientDataset, error) {
	if opts.PatchSize <= 0 || opts.NumInstances <= 0 || opts.NumBagsPerPatient <= 0 {
		return nil, fmt.Errorf("patch size, instances and bags per patient must be positive: %d, %d, %d",
			opts.PatchSize, opts.NumInstances, opts.NumBagsPerPatient)
	}
	if len(opts.FoldList) == 0 {
		return nil, fmt.Errorf("empty fold list")
	}

	ds := &PatientDataset{
		opts:    opts,
		cursor:  -1,
		patches: newPatchStore(opts.PatchSize, opts.CacheSize),
	}
	seen := make(map[string]bool)
	for _, fold := range opts.FoldList {
		records, err := readFold(foldPath(opts.DatasetDir, fold))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if seen[r.patientID] {
				continue
			}
			seen[r.patientID] = true
			ds.patientIDs = append(ds.patientIDs, r.patientID)
			ds.purities = append(ds.purities, r.purity)
		}
	}
	return ds, nil
}

// NumPatients returns the number of patients in the selected folds.
func (d *PatientDataset) NumPatients() int {
	return len(d.patientIDs)
}

// PatientIDs returns the patient ids in the order NextPatient visits them.
func (d *PatientDataset) PatientIDs() []string {
	return d.patientIDs
}

// Current returns the current patient, or nil before the first NextPatient.
func (d *PatientDataset) Current() *Patient {
	return d.current
}

// NextPatient moves to the next patient and lists its patches. It must not
// be called while bags are being read.
func (d *PatientDataset) NextPatient() (*Patient, error) {
	if d.cursor+1 >= len(d.patientIDs) {
		return nil, ErrNoMorePatients
	}
	d.cursor++
	d.current = nil
	d.patches.reset()

	id := d.patientIDs[d.cursor]
	patient := &Patient{ID: id, Purity: d.purities[d.cursor]}

	var err error
	patient.Patches, err = listImages(filepath.Join(d.opts.ImageDir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to list patches of %s: %w", id, err)
	}
	if len(patient.Patches) == 0 {
		return nil, fmt.Errorf("no patches found for patient %s in %s", id, d.opts.ImageDir)
	}
	d.numTumorBags = d.opts.NumBagsPerPatient
	d.numNormalBags = 0

	// Normal tissue bags are a training-time augmentation.
	if d.opts.DatasetType == "train" && d.opts.NormalImageDir != "" {
		patient.NormalPatches, err = listImages(filepath.Join(d.opts.NormalImageDir, id))
		if err != nil {
			return nil, fmt.Errorf("failed to list normal patches of %s: %w", id, err)
		}
		if len(patient.NormalPatches) > 0 {
			d.numNormalBags = d.opts.NumBagsPerPatient
		}
	}

	d.current = patient
	return patient, nil
}

// Len returns the number of bags of the current patient.
func (d *PatientDataset) Len() int {
	if d.current == nil {
		return 0
	}
	return d.numTumorBags + d.numNormalBags
}

// WorkerInit prepares per-worker decoding buffers. The loader calls it once
// per worker before the worker reads any bag.
func (d *PatientDataset) WorkerInit(worker int) error {
	d.patches.initWorker(worker)
	return nil
}

// CachedPatches returns the number of decoded patches held in memory.
func (d *PatientDataset) CachedPatches() int {
	return d.patches.len()
}

// Item builds bag index of the current patient. Tumor bags come first,
// followed by normal tissue bags. It is safe for concurrent use.
func (d *PatientDataset) Item(worker, index int) (Bag, error) {
	patient := d.current
	if patient == nil {
		return Bag{}, fmt.Errorf("no current patient; call NextPatient first")
	}
	if index < 0 || index >= d.Len() {
		return Bag{}, fmt.Errorf("bag %d out of range [0, %d)", index, d.Len())
	}

	paths, truth, source, bag := patient.Patches, patient.Purity, tumorBag, index
	if index >= d.numTumorBags {
		paths, truth, source, bag = patient.NormalPatches, 0, normalBag, index-d.numTumorBags
	}

	r := bagRand(d.opts.Seed, patient.ID, source, bag)
	picks := sampleInstances(r, len(paths), d.opts.NumInstances)

	patchLen := model.Channels * d.opts.PatchSize * d.opts.PatchSize
	instances := make([]float32, len(picks)*patchLen)
	for i, pick := range picks {
		data, err := d.patches.get(worker, paths[pick])
		if err != nil {
			return Bag{}, err
		}
		copy(instances[i*patchLen:(i+1)*patchLen], data)
	}

	return Bag{
		Index:     index,
		Instances: instances,
		Truth:     []float32{truth},
	}, nil
}
