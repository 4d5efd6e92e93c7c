// Package config loads the pipeline description from YAML and applies
// CYTOPROFILE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"cytoprofile/internal/annotate"
	"cytoprofile/internal/artifact"
	"cytoprofile/internal/featureselect"
	"cytoprofile/internal/infra/source/sqlsource"
	"cytoprofile/internal/linker"
	"cytoprofile/internal/normalize"
	"cytoprofile/internal/profile"
)

// Environment overrides.
//
//	CYTOPROFILE_SOURCE_DRIVER: sqlite|postgres
//	CYTOPROFILE_SOURCE_DSN: sqlite path or postgres DSN
//	CYTOPROFILE_LOG_LEVEL: debug|info|warn|error
//	CYTOPROFILE_LOG_FORMAT: text|json
//	CYTOPROFILE_OUTPUT_PREFIX: blob key prefix for artifacts
//	CYTOPROFILE_OUTPUT_COMPRESSION: none|gzip|snappy
//	CYTOPROFILE_BLOB_DRIVER / CYTOPROFILE_BLOB_FS_ROOT: artifact store
//	CYTOPROFILE_SELECT_WORKERS: correlation workers
const (
	EnvSourceDriver      = "CYTOPROFILE_SOURCE_DRIVER"
	EnvSourceDSN         = "CYTOPROFILE_SOURCE_DSN"
	EnvLogLevel          = "CYTOPROFILE_LOG_LEVEL"
	EnvLogFormat         = "CYTOPROFILE_LOG_FORMAT"
	EnvOutputPrefix      = "CYTOPROFILE_OUTPUT_PREFIX"
	EnvOutputCompression = "CYTOPROFILE_OUTPUT_COMPRESSION"
	EnvBlobDriver        = "CYTOPROFILE_BLOB_DRIVER"
	EnvBlobRoot          = "CYTOPROFILE_BLOB_FS_ROOT"
	EnvSelectWorkers     = "CYTOPROFILE_SELECT_WORKERS"
)

// Config is the whole pipeline description.
type Config struct {
	Source    Source    `yaml:"source"`
	Link      Link      `yaml:"link"`
	Annotate  Annotate  `yaml:"annotate"`
	Normalize Normalize `yaml:"normalize"`
	Select    Select    `yaml:"select"`
	Output    Output    `yaml:"output"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
}

type Source struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	ChunkSize    int    `yaml:"chunk_size"`
	MaxGroupRows int    `yaml:"max_group_rows"`
	// CheckAffinity runs the SQLite affinity preflight.
	CheckAffinity bool `yaml:"check_affinity"`
}

type Link struct {
	Compartments []string      `yaml:"compartments"`
	ImageTable   string        `yaml:"image_table"`
	Links        []linker.Link `yaml:"links"`
	MergeKeys    []string      `yaml:"merge_keys"`
	Strata       []string      `yaml:"strata"`
	ImageColumns []string      `yaml:"image_columns"`
	ObjectColumn string        `yaml:"object_column"`
}

// MetadataFile is one external table joined onto the profiles. Files are
// joined in order.
type MetadataFile struct {
	Path        string              `yaml:"path"`
	JoinOn      []annotate.JoinPair `yaml:"join_on"`
	TextColumns []string            `yaml:"text_columns"`
}

type Annotate struct {
	Files             []MetadataFile `yaml:"files"`
	AddMetadataPrefix *bool          `yaml:"add_metadata_prefix"`
	MetadataFirst     *bool          `yaml:"metadata_first"`
}

type Normalize struct {
	Method     string                `yaml:"method"`
	Features   []string              `yaml:"features"`
	Population *normalize.Population `yaml:"population"`
}

type Select struct {
	Operations        []string `yaml:"operations"`
	Features          []string `yaml:"features"`
	VarianceThreshold *float64 `yaml:"variance_threshold"`
	FreqCut           *float64 `yaml:"freq_cut"`
	UniqueCut         *float64 `yaml:"unique_cut"`
	CorrThreshold     *float64 `yaml:"corr_threshold"`
	NACutoff          *float64 `yaml:"na_cutoff"`
	OutlierCutoff     *float64 `yaml:"outlier_cutoff"`
	// BlocklistFile replaces the embedded blocklist.
	BlocklistFile string `yaml:"blocklist_file"`
	Workers       int    `yaml:"workers"`
}

type Output struct {
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
	BlobDriver  string `yaml:"blob_driver"`
	BlobRoot    string `yaml:"blob_root"`
	TempDir     string `yaml:"temp_dir"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	// Textfile receives the Prometheus text exposition after a run.
	Textfile string `yaml:"textfile"`
	// Trace receives one JSON span per stage.
	Trace string `yaml:"trace"`
}

// Default returns a config with the usual CellProfiler table layout.
func Default() Config {
	return Config{
		Source: Source{Driver: string(sqlsource.DialectSQLite)},
		Link: Link{
			ImageTable:   "Image",
			MergeKeys:    []string{"TableNumber", "ImageNumber"},
			ObjectColumn: "ObjectNumber",
		},
		Normalize: Normalize{Method: string(normalize.Standardize)},
		Output:    Output{Compression: string(artifact.CompressionNone)},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads YAML over Default and applies the environment.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, profile.Configf("parse config: %v", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile opens path and calls Load.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// ApplyEnv overrides fields from getenv; unset variables change nothing.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Source.Driver, EnvSourceDriver)
	set(&c.Source.DSN, EnvSourceDSN)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.Log.Format, EnvLogFormat)
	set(&c.Output.Prefix, EnvOutputPrefix)
	set(&c.Output.Compression, EnvOutputCompression)
	set(&c.Output.BlobDriver, EnvBlobDriver)
	set(&c.Output.BlobRoot, EnvBlobRoot)
	if v := getenv(EnvSelectWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return profile.Configf("%s must be a non-negative integer, got %q", EnvSelectWorkers, v)
		}
		c.Select.Workers = n
	}
	return nil
}

// Validate reports every configuration problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := sqlsource.ParseDialect(c.Source.Driver)
	add(err)
	if c.Source.DSN == "" {
		add(profile.Configf("source.dsn is required"))
	}
	if c.Source.ChunkSize < 0 || c.Source.MaxGroupRows < 0 {
		add(profile.Configf("source.chunk_size and source.max_group_rows must not be negative"))
	}
	if len(c.Link.Compartments) == 0 {
		add(profile.Configf("link.compartments is empty"))
	}
	if c.Link.ImageTable == "" {
		add(profile.Configf("link.image_table is required"))
	}
	if len(c.Link.MergeKeys) == 0 {
		add(profile.Configf("link.merge_keys is empty"))
	}
	if len(c.Annotate.Files) == 0 {
		add(profile.Configf("annotate.files is empty"))
	}
	for i, f := range c.Annotate.Files {
		if f.Path == "" {
			add(profile.Configf("annotate.files[%d].path is required", i))
		}
		if len(f.JoinOn) == 0 {
			add(profile.Configf("annotate.files[%d].join_on is empty", i))
		}
	}
	_, err = normalize.ParseMethod(c.Normalize.Method)
	add(err)
	if p := c.Normalize.Population; p != nil && (p.Column == "" || len(p.Values) == 0) {
		add(profile.Configf("normalize.population needs a column and values"))
	}
	for _, op := range c.Select.Operations {
		_, err := featureselect.ParseOperation(op)
		add(err)
	}
	_, err = artifact.ParseCompression(c.Output.Compression)
	add(err)
	switch c.Log.Format {
	case "", "text", "json":
	default:
		add(profile.Configf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LinkerConfig converts the link section.
func (c Config) LinkerConfig() linker.Config {
	return linker.Config{
		Compartments: c.Link.Compartments,
		ImageTable:   c.Link.ImageTable,
		Links:        c.Link.Links,
		MergeKeys:    c.Link.MergeKeys,
		Strata:       c.Link.Strata,
		ImageColumns: c.Link.ImageColumns,
		ObjectColumn: c.Link.ObjectColumn,
	}
}

// AnnotateOptions resolves the optional naming switches, both on by default.
func (c Config) AnnotateOptions() annotate.Options {
	opts := annotate.DefaultOptions()
	if c.Annotate.AddMetadataPrefix != nil {
		opts.AddMetadataPrefix = *c.Annotate.AddMetadataPrefix
	}
	if c.Annotate.MetadataFirst != nil {
		opts.MetadataFirst = *c.Annotate.MetadataFirst
	}
	return opts
}

// NormalizeConfig converts the normalize section.
func (c Config) NormalizeConfig() (normalize.Config, error) {
	m, err := normalize.ParseMethod(c.Normalize.Method)
	if err != nil {
		return normalize.Config{}, err
	}
	return normalize.Config{Method: m, Features: c.Normalize.Features, Population: c.Normalize.Population}, nil
}

// SelectConfig converts the select section over featureselect defaults and
// loads the blocklist file when one is named.
func (c Config) SelectConfig() (featureselect.Config, error) {
	out := featureselect.DefaultConfig()
	for _, s := range c.Select.Operations {
		op, err := featureselect.ParseOperation(s)
		if err != nil {
			return featureselect.Config{}, err
		}
		out.Operations = append(out.Operations, op)
	}
	out.Features = c.Select.Features
	for _, p := range []struct {
		dst *float64
		src *float64
	}{
		{&out.VarianceThreshold, c.Select.VarianceThreshold},
		{&out.FreqCut, c.Select.FreqCut},
		{&out.UniqueCut, c.Select.UniqueCut},
		{&out.CorrThreshold, c.Select.CorrThreshold},
		{&out.NACutoff, c.Select.NACutoff},
		{&out.OutlierCutoff, c.Select.OutlierCutoff},
	} {
		if p.src != nil {
			*p.dst = *p.src
		}
	}
	if c.Select.Workers > 0 {
		out.Workers = c.Select.Workers
	}
	if c.Select.BlocklistFile != "" {
		f, err := os.Open(c.Select.BlocklistFile)
		if err != nil {
			return featureselect.Config{}, profile.Configf("blocklist: %v", err)
		}
		defer f.Close()
		if out.Blocklist, err = featureselect.LoadBlocklist(f); err != nil {
			return featureselect.Config{}, err
		}
	}
	return out, nil
}
