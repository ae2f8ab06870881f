package datasets

// This package turns the patch directories of a cohort into bags of patches
// for multiple-instance learning.
//
// Layout on disk:
//
//	<dataset_dir>/fold<k>.csv              patient_id,tumor_purity,... per fold
//	<image_dir>/<patient_id>/*.jpeg        tumor patches
//	<normal_image_dir>/<patient_id>/*.png  solid tissue normal patches
//
// PatientDataset walks the patients of the selected folds one at a time.
// NextPatient moves the cursor and lists the patient's patches; bags of the
// current patient are then read with Item, from any number of goroutines.
//
// A bag holds NumInstances patches, each decoded, resized to PatchSize and
// stored in CHW order, so one bag is a flat buffer of
// NumInstances*3*PatchSize*PatchSize float32 values. Collate stacks bags into
// a BagBatch whose ToGomlxTensors produces the model input.

// Bag is one sampled bag of the current patient.
type Bag struct {
	// Index of the bag within the patient, the order bags are delivered in.
	Index int

	// Instances is the flat [NumInstances, 3, PatchSize, PatchSize] buffer.
	Instances []float32

	// Truth is the bag label: the tumor purity of the patient, or 0 for bags
	// of normal tissue.
	Truth []float32
}

// Dataset serves the bags of one patient at a time. Len and Item refer to
// the patient selected by the last NextPatient call.
type Dataset interface {
	NumPatients() int
	NextPatient() (*Patient, error)

	Len() int
	Item(worker, index int) (Bag, error)

	// WorkerInit runs once in every loader worker before its first Item.
	WorkerInit(worker int) error
	Collate(bags []Bag) (*BagBatch, error)
}

var _ Dataset = (*PatientDataset)(nil)
