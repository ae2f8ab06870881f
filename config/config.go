package config

import (
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NumFolds is the number of cross-validation folds patients are split into.
const NumFolds = 5

// Dataset types accepted by --dataset_type.
const (
	DatasetTrain = "train"
	DatasetValid = "valid"
	DatasetTest  = "test"
)

// EnvPrefix prefixes environment overrides, e.g. PURITY_BATCH_SIZE.
const EnvPrefix = "PURITY"

var ErrUnknownDatasetType = errors.New("unknown dataset type")

// Config holds every setting of an inference run. It is filled once by Load
// and is read-only afterwards.
type Config struct {
	InitModelFile     string  `mapstructure:"init_model_file"`
	ImageDir          string  `mapstructure:"image_dir" validate:"required"`
	NormalImageDir    string  `mapstructure:"normal_image_dir"`
	DatasetDir        string  `mapstructure:"dataset_dir" validate:"required"`
	DatasetType       string  `mapstructure:"dataset_type"`
	PatchSize         int     `mapstructure:"patch_size" validate:"gt=0"`
	NumInstances      int     `mapstructure:"num_instances" validate:"gt=0"`
	NumFeatures       int     `mapstructure:"num_features" validate:"gt=0"`
	NumBins           int     `mapstructure:"num_bins" validate:"gt=1"`
	Sigma             float64 `mapstructure:"sigma" validate:"gt=0"`
	NumClasses        int     `mapstructure:"num_classes" validate:"gt=0"`
	BatchSize         int     `mapstructure:"batch_size" validate:"gt=0"`
	NumBagsPerPatient int     `mapstructure:"num_bags_per_patient" validate:"gt=0"`
	TestMetricsDir    string  `mapstructure:"test_metrics_dir" validate:"required"`
	ValidFold         int     `mapstructure:"valid_fold" validate:"gte=0,lt=5"`
	TestFold          int     `mapstructure:"test_fold" validate:"gte=0,lt=5"`

	// Runtime settings. They do not change predictions and are not written
	// into the output header.
	Seed       int64  `mapstructure:"seed"`
	NumWorkers int    `mapstructure:"num_workers" validate:"gte=0"`
	Device     string `mapstructure:"device"`
	CacheSize  int    `mapstructure:"cache_size" validate:"gte=0"`
	Plot       bool   `mapstructure:"plot"`
}

// Default returns the configuration used when no flag is given.
func Default() *Config {
	return &Config{
		InitModelFile:     "",
		ImageDir:          "../Images/all_cropped_patches_primary_solid_tumor__level1__stride512__size512",
		NormalImageDir:    "../Images/all_cropped_patches_solid_tissue_normal__level1__stride512__size512",
		DatasetDir:        "../dataset/all_patches__level1__stride512__size512",
		DatasetType:       DatasetTest,
		PatchSize:         299,
		NumInstances:      200,
		NumFeatures:       128,
		NumBins:           21,
		Sigma:             0.05,
		NumClasses:        1,
		BatchSize:         2,
		NumBagsPerPatient: 100,
		TestMetricsDir:    "test_metrics",
		ValidFold:         3,
		TestFold:          4,
		Seed:              1,
		NumWorkers:        4,
		Device:            "cpu",
		CacheSize:         512,
	}
}

// AddFlags registers the inference flags with their defaults.
func AddFlags(flagSet *pflag.FlagSet) {
	d := Default()
	flagSet.String("init_model_file", d.InitModelFile, "the path of initial model file")
	flagSet.String("image_dir", d.ImageDir, "Image directory for tumor patches")
	flagSet.String("normal_image_dir", d.NormalImageDir, "Image directory for normal patches")
	flagSet.String("dataset_dir", d.DatasetDir, "dataset info folder")
	flagSet.String("dataset_type", d.DatasetType, "Dataset type: test, valid, train")
	flagSet.Int("patch_size", d.PatchSize, "patch size")
	flagSet.Int("num_instances", d.NumInstances, "number of instances (patches) in a bag")
	flagSet.Int("num_features", d.NumFeatures, "number of features")
	flagSet.Int("num_bins", d.NumBins, "number of bins in distribution pooling filter")
	flagSet.Float64("sigma", d.Sigma, "sigma in distribution pooling filter")
	flagSet.Int("num_classes", d.NumClasses, "number of classes")
	flagSet.Int("batch_size", d.BatchSize, "batch size")
	flagSet.Int("num_bags_per_patient", d.NumBagsPerPatient, "Number of bags to be inferred to obtain sample-level tumor purity")
	flagSet.String("test_metrics_dir", d.TestMetricsDir, "Text file to write test metrics")
	flagSet.Int("valid_fold", d.ValidFold, "id of fold to be used as validation set")
	flagSet.Int("test_fold", d.TestFold, "id of fold to be used as test set")

	flagSet.Int64("seed", d.Seed, "seed of the bag sampler")
	flagSet.Int("num_workers", d.NumWorkers, "number of batch loading workers (0 loads in the main goroutine)")
	flagSet.String("device", d.Device, "compute backend: cpu, or auto to use the backend selected by GOMLX_BACKEND")
	flagSet.Int("cache_size", d.CacheSize, "maximum number of decoded patches kept in memory")
	flagSet.Bool("plot", d.Plot, "also plot the bag predictions of every patient")
}

// Load merges defaults, the optional config file, PURITY_* environment
// variables and the flags that were set explicitly, in increasing priority.
func Load(flagSet *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	d := Default()
	for _, p := range d.Params() {
		v.SetDefault(p.Key, p.raw)
	}
	v.SetDefault("seed", d.Seed)
	v.SetDefault("num_workers", d.NumWorkers)
	v.SetDefault("device", d.Device)
	v.SetDefault("cache_size", d.CacheSize)
	v.SetDefault("plot", d.Plot)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}
	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and the dataset type.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if _, err := c.FoldList(); err != nil {
		return err
	}
	return nil
}

// FoldLists returns the train, valid and test folds. The training folds are
// all folds except the validation and test ones, in ascending order.
func (c *Config) FoldLists() (train, valid, test []int) {
	train = lo.Without(lo.Range(NumFolds), c.ValidFold, c.TestFold)
	valid = []int{c.ValidFold}
	test = []int{c.TestFold}
	return
}

// FoldList returns the folds of the selected dataset type.
func (c *Config) FoldList() ([]int, error) {
	train, valid, test := c.FoldLists()
	switch c.DatasetType {
	case DatasetTrain:
		return train, nil
	case DatasetValid:
		return valid, nil
	case DatasetTest:
		return test, nil
	default:
		return nil, errors.Wrapf(ErrUnknownDatasetType, "%q (expected train, valid or test)", c.DatasetType)
	}
}

// Param is one "key = value" pair of the model parameter header.
type Param struct {
	Key   string
	Value string
	raw   any
}

// Params lists the model parameters in declaration order, formatted the way
// they appear in prediction file headers.
func (c *Config) Params() []Param {
	params := []Param{
		{Key: "init_model_file", raw: c.InitModelFile},
		{Key: "image_dir", raw: c.ImageDir},
		{Key: "normal_image_dir", raw: c.NormalImageDir},
		{Key: "dataset_dir", raw: c.DatasetDir},
		{Key: "dataset_type", raw: c.DatasetType},
		{Key: "patch_size", raw: c.PatchSize},
		{Key: "num_instances", raw: c.NumInstances},
		{Key: "num_features", raw: c.NumFeatures},
		{Key: "num_bins", raw: c.NumBins},
		{Key: "sigma", raw: c.Sigma},
		{Key: "num_classes", raw: c.NumClasses},
		{Key: "batch_size", raw: c.BatchSize},
		{Key: "num_bags_per_patient", raw: c.NumBagsPerPatient},
		{Key: "test_metrics_dir", raw: c.TestMetricsDir},
		{Key: "valid_fold", raw: c.ValidFold},
		{Key: "test_fold", raw: c.TestFold},
	}
	for i := range params {
		params[i].Value = formatValue(params[i].raw)
	}
	return params
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return FormatFloat(x)
	default:
		return ""
	}
}

// FormatFloat prints a float the way Python's str() does: shortest
// round-trip digits, always with a fractional part or an exponent.
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
