package main

import (
	"fmt"
	"os"
	"strconv"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Noofbiz/matchindex/matcher"
)

// defaultConfigYAML documents every option with its default value. It is
// printed by `pmm match --print-default-config`.
const defaultConfigYAML = `donors:
  pattern: data/donors.csv
  pred: yhat
  true: y
  tensor: ""
targets:
  pattern: data/targets.csv
  pred: yhat
  exclude: ""
  true: ""
  tensor: ""
k: 5
seed: 0
workers: 0
draws: 1
empty_pool: fail
output: output/matches.csv
plot: ""
tensor_out: ""
`

// TableConfig names a CSV table and the columns read from it. When Tensor is
// set the predicted values are read from that gomlx tensor file (or .npy)
// instead of the Pred column.
type TableConfig struct {
	Pattern string `yaml:"pattern"`
	Pred    string `yaml:"pred"`
	Exclude string `yaml:"exclude,omitempty"`
	True    string `yaml:"true"`
	Tensor  string `yaml:"tensor,omitempty"`
}

// Config is the effective configuration of a run. Values are layered:
// defaults, then the YAML file, then PMM_* environment variables, then flags
// set on the command line.
type Config struct {
	Donors    TableConfig `yaml:"donors"`
	Targets   TableConfig `yaml:"targets"`
	K         int         `yaml:"k"`
	Seed      int64       `yaml:"seed"`
	Workers   int         `yaml:"workers"`
	Draws     int         `yaml:"draws"`
	EmptyPool string      `yaml:"empty_pool"`
	Output    string      `yaml:"output"`
	Plot      string      `yaml:"plot"`
	TensorOut string      `yaml:"tensor_out,omitempty"`
}

func defaultConfig() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// loadConfig reads the YAML file at path on top of the defaults. An empty
// path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides cfg with the PMM_* environment variables that are set.
func (c *Config) applyEnv() error {
	c.Donors.Pattern = goutils.Env("PMM_DONORS", c.Donors.Pattern)
	c.Targets.Pattern = goutils.Env("PMM_TARGETS", c.Targets.Pattern)
	c.Output = goutils.Env("PMM_OUTPUT", c.Output)
	c.EmptyPool = goutils.Env("PMM_EMPTY_POOL", c.EmptyPool)
	c.Donors.Tensor = goutils.Env("PMM_DONOR_TENSOR", c.Donors.Tensor)
	c.Targets.Tensor = goutils.Env("PMM_TARGET_TENSOR", c.Targets.Tensor)

	ints := []struct {
		key string
		dst *int
	}{
		{"PMM_K", &c.K},
		{"PMM_WORKERS", &c.Workers},
		{"PMM_DRAWS", &c.Draws},
	}
	for _, e := range ints {
		v := goutils.Env(e.key, "")
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	if v := goutils.Env("PMM_SEED", ""); v != "" {
		s, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PMM_SEED: %w", err)
		}
		c.Seed = s
	}
	return nil
}

// runFlags holds the command-line values that may override the config.
type runFlags struct {
	config         string
	donors         string
	targets        string
	donorPred      string
	donorTrue      string
	targetPred     string
	targetExclude  string
	targetTrue     string
	donorTensor    string
	targetTensor   string
	tensorOut      string
	k              int
	seed           int64
	workers        int
	draws          int
	emptyPool      string
	output         string
	plot           string
	printDefault   bool
	printEffective bool
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.config, "config", "c", "", "path to a YAML config file (or PMM_CONFIG env)")
	fs.StringVar(&f.donors, "donors", "", "CSV file, directory or glob pattern of donor rows")
	fs.StringVar(&f.targets, "targets", "", "CSV file, directory or glob pattern of target rows")
	fs.StringVar(&f.donorPred, "donor-pred", "", "donor column with predicted values")
	fs.StringVar(&f.donorTrue, "donor-true", "", "donor column with observed values")
	fs.StringVar(&f.targetPred, "target-pred", "", "target column with predicted values")
	fs.StringVar(&f.targetExclude, "target-exclude", "", "target column with the value to exclude from its donor pool")
	fs.StringVar(&f.targetTrue, "target-true", "", "target column with known outcomes (coverage only)")
	fs.StringVar(&f.donorTensor, "donor-tensor", "", "gomlx tensor file (or .npy) with the donor predictions, in table row order")
	fs.StringVar(&f.targetTensor, "target-tensor", "", "gomlx tensor file (or .npy) with the target predictions, in table row order")
	fs.StringVar(&f.tensorOut, "tensor-out", "", "if set, write the imputed values as a [draws, targets] tensor (.npy or gomlx format)")
	fs.IntVar(&f.k, "k", 5, "number of nearest donors to draw from")
	fs.Int64Var(&f.seed, "seed", 0, "random seed (0 = time based)")
	fs.IntVar(&f.workers, "workers", 0, "goroutines for the per-target search (0 or 1 = serial)")
	fs.IntVar(&f.draws, "draws", 1, "number of independent draws (multiple imputation)")
	fs.StringVar(&f.emptyPool, "empty-pool", "fail", "when every donor is excluded: fail or fallback")
	fs.StringVarP(&f.output, "output", "o", "", "path of the matches CSV")
	fs.StringVar(&f.plot, "plot", "", "if set, write a histogram PNG of donor vs imputed values")
	fs.BoolVar(&f.printDefault, "print-default-config", false, "print the default YAML config and exit")
	fs.BoolVar(&f.printEffective, "print-effective-config", false, "print the effective (YAML+env+flags) config and exit")
}

// resolve builds the effective config. Only flags set explicitly override
// the file and environment; PMM_CONFIG names the file unless --config does.
func (f *runFlags) resolve(fs *pflag.FlagSet) (Config, error) {
	path := goutils.Env("PMM_CONFIG", "")
	if fs.Changed("config") {
		path = f.config
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	strs := map[string]struct {
		src string
		dst *string
	}{
		"donors":         {f.donors, &cfg.Donors.Pattern},
		"targets":        {f.targets, &cfg.Targets.Pattern},
		"donor-pred":     {f.donorPred, &cfg.Donors.Pred},
		"donor-true":     {f.donorTrue, &cfg.Donors.True},
		"target-pred":    {f.targetPred, &cfg.Targets.Pred},
		"target-exclude": {f.targetExclude, &cfg.Targets.Exclude},
		"target-true":    {f.targetTrue, &cfg.Targets.True},
		"empty-pool":     {f.emptyPool, &cfg.EmptyPool},
		"output":         {f.output, &cfg.Output},
		"plot":           {f.plot, &cfg.Plot},
		"donor-tensor":   {f.donorTensor, &cfg.Donors.Tensor},
		"target-tensor":  {f.targetTensor, &cfg.Targets.Tensor},
		"tensor-out":     {f.tensorOut, &cfg.TensorOut},
	}
	for name, s := range strs {
		if fs.Changed(name) {
			*s.dst = s.src
		}
	}
	if fs.Changed("k") {
		cfg.K = f.k
	}
	if fs.Changed("seed") {
		cfg.Seed = f.seed
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("draws") {
		cfg.Draws = f.draws
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Donors.Pattern == "" || c.Targets.Pattern == "" {
		return fmt.Errorf("donor and target tables are required")
	}
	if c.Donors.True == "" {
		return fmt.Errorf("the donor true column is required")
	}
	if c.Donors.Pred == "" && c.Donors.Tensor == "" {
		return fmt.Errorf("donor predictions need a pred column or a tensor file")
	}
	if c.Targets.Pred == "" && c.Targets.Tensor == "" {
		return fmt.Errorf("target predictions need a pred column or a tensor file")
	}
	if c.Draws < 1 {
		return fmt.Errorf("draws must be >= 1, got %d", c.Draws)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if _, err := matcher.ParseEmptyPoolPolicy(c.EmptyPool); err != nil {
		return err
	}
	return nil
}

func (c Config) dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
