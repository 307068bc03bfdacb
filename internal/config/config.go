// Package config resolves a capsule invocation's configuration from
// four layers, weakest to strongest: a user-global TOML of defaults
// (~/.capsule.toml), a project TOML mapping capsule IDs to per-capsule
// sections (Capsule.toml), the CAPSULE_ARGS environment variable (its
// own shell-quoted argv, for flags every invocation in a project
// should share), and finally the actual command-line argv. A later
// layer's explicitly-set fields win; unset fields fall through.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/joho/godotenv"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/exp/maps"
	"mvdan.cc/sh/v3/shell"
)

// Config is the fully resolved configuration for one capsule
// invocation.
type Config struct {
	CapsuleID     string
	Milestone     Milestone
	Verbose       bool
	WorkspaceRoot string
	Concurrency   int

	InputFiles  []string
	ToolTags    []string
	OutputFiles []string

	CaptureStdout      bool
	CaptureStderr      bool
	AllowCachedFailure bool

	// Passive disables both lookup and publish: the command runs
	// verbatim, with only CAPSULE_INPUTS_HASH exported to it.
	Passive bool
	// PrintHash, when set, skips execution entirely: the input
	// fingerprint is printed and the wrapper exits 0.
	PrintHash bool
	// InputsHashEnvVarName overrides the default CAPSULE_INPUTS_HASH
	// environment variable name exported to the child.
	InputsHashEnvVarName string

	Backend      string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string

	ObservabilityEndpoint string
	ObservabilityDataset  string
	ObservabilityToken    string
	TraceID               string
	ParentID              string
	ExtraKV               map[string]string

	// SourceValue is free-form provenance recorded with a published
	// cache entry (e.g. a CI job URL); empty unless set via the
	// CAPSULE_SOURCE environment variable.
	SourceValue string

	CommandToRun []string
}

// Source returns the provenance string recorded with a published
// cache entry.
func (c *Config) Source() string {
	return c.SourceValue
}

// sectionConfig is the TOML shape of one capsule section (or of the
// whole user-defaults file, which has no section nesting).
type sectionConfig struct {
	CapsuleID          string   `mapstructure:"capsule_id"`
	Verbose            *bool    `mapstructure:"verbose"`
	InputFiles         []string `mapstructure:"input_files"`
	ToolTags           []string `mapstructure:"tool_tags"`
	OutputFiles        []string `mapstructure:"output_files"`
	CaptureStdout      *bool    `mapstructure:"capture_stdout"`
	CaptureStderr      *bool    `mapstructure:"capture_stderr"`
	AllowCachedFailure *bool    `mapstructure:"allow_cached_failure"`
	Milestone          string   `mapstructure:"milestone"`
	Backend            string   `mapstructure:"backend"`
	S3Bucket           string   `mapstructure:"s3_bucket"`
	S3Region           string   `mapstructure:"s3_region"`
	S3Endpoint         string   `mapstructure:"s3_endpoint"`
	ObsEndpoint          string `mapstructure:"observability_endpoint"`
	ObsDataset           string `mapstructure:"observability_dataset"`
	ObsToken             string `mapstructure:"observability_token"`
	InputsHashEnvVarName string `mapstructure:"inputs_hash_env_var"`
}

// applyTo merges sc into cfg, sc's non-nil/non-empty fields winning.
// List fields (inputs/tags/outputs) append rather than replace, since
// a capsule's declared inputs accumulate across layers.
func (sc sectionConfig) applyTo(cfg *Config) error {
	if sc.CapsuleID != "" {
		cfg.CapsuleID = sc.CapsuleID
	}
	if sc.Verbose != nil {
		cfg.Verbose = *sc.Verbose
	}
	cfg.InputFiles = append(cfg.InputFiles, sc.InputFiles...)
	cfg.ToolTags = append(cfg.ToolTags, sc.ToolTags...)
	cfg.OutputFiles = append(cfg.OutputFiles, sc.OutputFiles...)
	if sc.CaptureStdout != nil {
		cfg.CaptureStdout = *sc.CaptureStdout
	}
	if sc.CaptureStderr != nil {
		cfg.CaptureStderr = *sc.CaptureStderr
	}
	if sc.AllowCachedFailure != nil {
		cfg.AllowCachedFailure = *sc.AllowCachedFailure
	}
	if sc.InputsHashEnvVarName != "" {
		cfg.InputsHashEnvVarName = sc.InputsHashEnvVarName
	}
	if sc.Milestone != "" {
		m, err := ParseMilestone(sc.Milestone)
		if err != nil {
			return err
		}
		cfg.Milestone = m
	}
	if sc.Backend != "" {
		cfg.Backend = sc.Backend
	}
	if sc.S3Bucket != "" {
		cfg.S3Bucket = sc.S3Bucket
	}
	if sc.S3Region != "" {
		cfg.S3Region = sc.S3Region
	}
	if sc.S3Endpoint != "" {
		cfg.S3Endpoint = sc.S3Endpoint
	}
	if sc.ObsEndpoint != "" {
		cfg.ObservabilityEndpoint = sc.ObsEndpoint
	}
	if sc.ObsDataset != "" {
		cfg.ObservabilityDataset = sc.ObsDataset
	}
	if sc.ObsToken != "" {
		cfg.ObservabilityToken = sc.ObsToken
	}
	return nil
}

// readTOML loads path (if it exists) as a viper config. When path is
// empty or the file doesn't exist it returns a nil viper, false and no
// error, so callers can treat a missing default/project file as "no
// configuration there" rather than a hard failure.
func readTOML(path string) (*viper.Viper, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("config: checking %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, false, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return v, true, nil
}

// loadUserDefaults reads the single, unsectioned defaults file.
func loadUserDefaults(path string) (sectionConfig, error) {
	v, ok, err := readTOML(path)
	if err != nil || !ok {
		return sectionConfig{}, err
	}
	var sc sectionConfig
	if err := v.Unmarshal(&sc); err != nil {
		return sectionConfig{}, fmt.Errorf("config: parsing default config %s: %w", path, err)
	}
	return sc, nil
}

// loadProjectSections reads a project TOML of "[capsule_id]" sections.
func loadProjectSections(path string) (map[string]sectionConfig, error) {
	v, ok, err := readTOML(path)
	if err != nil || !ok {
		return nil, err
	}
	sections := make(map[string]sectionConfig)
	if err := v.Unmarshal(&sections); err != nil {
		return nil, fmt.Errorf("config: parsing project config %s: %w", path, err)
	}
	return sections, nil
}

// flagSet captures one argv's parsed flags, distinguishing a flag the
// user explicitly passed from one left at its zero value, so merging
// preserves the weakest-to-strongest override rule for booleans too.
type flagSet struct {
	cmd    *cobra.Command
	values struct {
		capsuleID          string
		milestone          string
		verbose            bool
		workspaceRoot      string
		concurrency        int
		inputs             []string
		tags               []string
		outputs            []string
		captureStdout      bool
		captureStderr      bool
		allowCachedFailure bool
		backend            string
		s3Bucket           string
		s3Region           string
		s3Endpoint         string
		obsEndpoint        string
		obsDataset         string
		obsToken           string
		traceID            string
		parentID           string
		extraTags          []string
		passive            bool
		printHash          bool
		hashEnvVar         string
	}
	command []string
}

func newFlagSet() *flagSet {
	fs := &flagSet{}
	cmd := &cobra.Command{
		Use:   "capsule -- <command> [args...]",
		Short: "Run a command at most once per equivalent set of inputs",
		Long: heredoc.Doc(`
			Capsule wraps a single build step. It hashes the declared inputs,
			looks the resulting fingerprint up in a content-addressed cache,
			and either materializes the prior outputs and exit code or runs
			the command and publishes what it produced.

			Flags may also come from a project's Capsule.toml, a user-global
			defaults file, and the CAPSULE_ARGS environment variable; see
			the config package doc for the precedence between them.
		`),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs.command = args
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&fs.values.capsuleID, "capsule_id", "c", "", "The ID of the capsule (usually a target path), optionally \"file:id\".")
	flags.IntVarP(&fs.values.concurrency, "jobs", "j", 0, "Maximum concurrent downloads/uploads.")
	flags.StringArrayVarP(&fs.values.inputs, "input", "i", nil, "Declared input file or glob, may be repeated.")
	flags.StringArrayVarP(&fs.values.tags, "tool", "t", nil, "Opaque tool version tag, may be repeated.")
	flags.StringArrayVarP(&fs.values.outputs, "output", "o", nil, "Declared output file or glob, may be repeated.")
	flags.StringVarP(&fs.values.workspaceRoot, "workspace", "w", "", "Workspace root for resolving \"//\" paths.")
	flags.StringVar(&fs.values.milestone, "milestone", "", "Rollout milestone: placebo, bluepill, orangepill, redpill.")
	flags.BoolVar(&fs.values.verbose, "verbose", false, "Emit debug logging.")
	flags.BoolVar(&fs.values.captureStdout, "stdout", false, "Capture stdout into the cached bundle.")
	flags.BoolVar(&fs.values.captureStderr, "stderr", false, "Capture stderr into the cached bundle.")
	flags.BoolVar(&fs.values.allowCachedFailure, "allow-cached-failure", false, "Allow a cached non-zero exit code to count as a hit.")
	flags.StringVar(&fs.values.backend, "backend", "", "Cache backend: dummy, remote.")
	flags.StringVar(&fs.values.s3Bucket, "s3-bucket", "", "S3 bucket for the remote cache backend.")
	flags.StringVar(&fs.values.s3Region, "s3-region", "", "S3 region for the remote cache backend.")
	flags.StringVar(&fs.values.s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint override.")
	flags.StringVar(&fs.values.obsEndpoint, "observability-endpoint", "", "Observability sink base URL.")
	flags.StringVar(&fs.values.obsDataset, "observability-dataset", "", "Observability dataset name.")
	flags.StringVar(&fs.values.obsToken, "observability-token", "", "Observability API token.")
	flags.StringVar(&fs.values.traceID, "trace-id", "", "Trace ID to attach to the observability event.")
	flags.StringVar(&fs.values.parentID, "parent-id", "", "Parent span ID to attach to the observability event.")
	flags.StringArrayVar(&fs.values.extraTags, "tag", nil, "Extra key=value pair attached to the observability event, may be repeated.")
	flags.BoolVar(&fs.values.passive, "passive", false, "Run the command verbatim, with no lookup or publish.")
	flags.BoolVar(&fs.values.printHash, "print-hash", false, "Print the input fingerprint and exit, without running anything.")
	flags.StringVar(&fs.values.hashEnvVar, "hash-env-var", "", "Override the environment variable name carrying the input fingerprint.")
	fs.cmd = cmd
	return fs
}

func (fs *flagSet) parse(argv []string) error {
	fs.cmd.SetArgs(argv)
	return fs.cmd.Execute()
}

func (fs *flagSet) changed(name string) bool {
	return fs.cmd.Flags().Changed(name)
}

// applyTo overlays fs's explicitly-set flags onto cfg.
func (fs *flagSet) applyTo(cfg *Config) error {
	v := fs.values
	if fs.changed("capsule_id") {
		cfg.CapsuleID = v.capsuleID
	}
	if fs.changed("milestone") {
		m, err := ParseMilestone(v.milestone)
		if err != nil {
			return err
		}
		cfg.Milestone = m
	}
	if fs.changed("verbose") {
		cfg.Verbose = v.verbose
	}
	if fs.changed("workspace") {
		cfg.WorkspaceRoot = v.workspaceRoot
	}
	if fs.changed("jobs") {
		cfg.Concurrency = v.concurrency
	}
	cfg.InputFiles = append(cfg.InputFiles, v.inputs...)
	cfg.ToolTags = append(cfg.ToolTags, v.tags...)
	cfg.OutputFiles = append(cfg.OutputFiles, v.outputs...)
	if fs.changed("stdout") {
		cfg.CaptureStdout = v.captureStdout
	}
	if fs.changed("stderr") {
		cfg.CaptureStderr = v.captureStderr
	}
	if fs.changed("allow-cached-failure") {
		cfg.AllowCachedFailure = v.allowCachedFailure
	}
	if fs.changed("backend") {
		cfg.Backend = v.backend
	}
	if fs.changed("s3-bucket") {
		cfg.S3Bucket = v.s3Bucket
	}
	if fs.changed("s3-region") {
		cfg.S3Region = v.s3Region
	}
	if fs.changed("s3-endpoint") {
		cfg.S3Endpoint = v.s3Endpoint
	}
	if fs.changed("observability-endpoint") {
		cfg.ObservabilityEndpoint = v.obsEndpoint
	}
	if fs.changed("observability-dataset") {
		cfg.ObservabilityDataset = v.obsDataset
	}
	if fs.changed("observability-token") {
		cfg.ObservabilityToken = v.obsToken
	}
	if fs.changed("trace-id") {
		cfg.TraceID = v.traceID
	}
	if fs.changed("parent-id") {
		cfg.ParentID = v.parentID
	}
	if fs.changed("passive") {
		cfg.Passive = v.passive
	}
	if fs.changed("print-hash") {
		cfg.PrintHash = v.printHash
	}
	if fs.changed("hash-env-var") {
		cfg.InputsHashEnvVarName = v.hashEnvVar
	}
	for _, tag := range v.extraTags {
		key, value, ok := strings.Cut(tag, "=")
		if !ok {
			return fmt.Errorf("config: --tag %q is not in key=value form", tag)
		}
		if cfg.ExtraKV == nil {
			cfg.ExtraKV = make(map[string]string)
		}
		cfg.ExtraKV[key] = value
	}
	if len(fs.command) > 0 {
		cfg.CommandToRun = fs.command
	}
	return nil
}

// Sources names the paths Load consults; a zero value uses the
// conventional locations (~/.capsule.toml and ./Capsule.toml).
type Sources struct {
	UserDefaultsPath string
	ProjectTOMLPath  string
}

func (s Sources) userDefaultsPath() string {
	if s.UserDefaultsPath != "" {
		return s.UserDefaultsPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".capsule.toml")
}

func (s Sources) projectTOMLPath() string {
	if s.ProjectTOMLPath != "" {
		return s.ProjectTOMLPath
	}
	return "Capsule.toml"
}

// Load resolves a Config from argv (the command-line argv, not
// including the program name) and the four layers described in the
// package doc comment. It auto-loads a ".env" file in the current
// directory, in the conventional manner, before reading CAPSULE_ARGS,
// so a developer's .env can set CAPSULE_ARGS without exporting it in
// their shell.
func Load(argv []string, sources Sources) (*Config, error) {
	_ = godotenv.Load() // a missing .env is not an error

	cfg := &Config{Milestone: Placebo, CaptureStdout: false, CaptureStderr: false, SourceValue: os.Getenv("CAPSULE_SOURCE")}

	userDefaults, err := loadUserDefaults(sources.userDefaultsPath())
	if err != nil {
		return nil, err
	}
	if err := userDefaults.applyTo(cfg); err != nil {
		return nil, err
	}

	envArgv, err := shell.Fields(os.Getenv("CAPSULE_ARGS"), os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parsing CAPSULE_ARGS: %w", err)
	}

	envFlags := newFlagSet()
	if err := envFlags.parse(envArgv); err != nil {
		return nil, fmt.Errorf("config: parsing CAPSULE_ARGS: %w", err)
	}
	cmdFlags := newFlagSet()
	if err := cmdFlags.parse(argv); err != nil {
		return nil, fmt.Errorf("config: parsing arguments: %w", err)
	}

	// The capsule ID itself must be known before the project section
	// lookup below, and env args are weaker than cmdline args.
	if envFlags.changed("capsule_id") {
		cfg.CapsuleID = envFlags.values.capsuleID
	}
	if cmdFlags.changed("capsule_id") {
		cfg.CapsuleID = cmdFlags.values.capsuleID
	}

	projectPath := sources.projectTOMLPath()
	selector := cfg.CapsuleID
	if file, id, ok := strings.Cut(cfg.CapsuleID, ":"); ok && file != "" {
		projectPath = file
		selector = id
	}

	sections, err := loadProjectSections(projectPath)
	if err != nil {
		return nil, err
	}

	if selector == "" {
		switch len(sections) {
		case 0:
			return nil, fmt.Errorf("config: cannot determine capsule_id: no -c flag and no sections in %s", projectPath)
		case 1:
			for id := range sections {
				selector = id
			}
		default:
			return nil, fmt.Errorf("config: cannot determine capsule_id: %s has %d sections, pass -c explicitly", projectPath, len(sections))
		}
		cfg.CapsuleID = selector
	}

	if section, ok := sections[selector]; ok {
		if err := section.applyTo(cfg); err != nil {
			return nil, err
		}
	} else if len(sections) > 0 {
		if closest := closestSection(selector, sections); closest != "" {
			return nil, fmt.Errorf("config: %s has no section %q. Did you mean %q?", projectPath, selector, closest)
		}
	}

	if err := envFlags.applyTo(cfg); err != nil {
		return nil, err
	}
	if err := cmdFlags.applyTo(cfg); err != nil {
		return nil, err
	}

	if len(cfg.CommandToRun) == 0 {
		return nil, fmt.Errorf("config: the command to run was not specified (pass it after \"--\")")
	}

	return cfg, nil
}

// LoadDefaults resolves just the user-global defaults layer (backend
// selection, observability settings, concurrency, verbosity): the
// ambient settings a build-graph driver needs before it ever knows
// which packages it's about to wrap, with none of the per-invocation
// validation (capsule_id, command) that Load enforces.
func LoadDefaults(sources Sources) (*Config, error) {
	cfg := &Config{Milestone: Placebo, SourceValue: os.Getenv("CAPSULE_SOURCE")}
	userDefaults, err := loadUserDefaults(sources.userDefaultsPath())
	if err != nil {
		return nil, err
	}
	if err := userDefaults.applyTo(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InputsHashEnvVar returns the environment variable name under which
// the input fingerprint is exported to the child, defaulting to
// CAPSULE_INPUTS_HASH.
func (c *Config) InputsHashEnvVar() string {
	if c.InputsHashEnvVarName != "" {
		return c.InputsHashEnvVarName
	}
	return "CAPSULE_INPUTS_HASH"
}

// closestSection fuzzy-matches selector against sections' keys, for a
// "did you mean" suggestion when an explicit -c doesn't match any
// section.
func closestSection(selector string, sections map[string]sectionConfig) string {
	ids := maps.Keys(sections)
	sort.Strings(ids) // deterministic input order for equally-ranked matches
	matches := fuzzy.RankFindNormalizedFold(selector, ids)
	sort.Sort(matches)
	if len(matches) > 0 {
		return matches[0].Target
	}
	// Subsequence ranking misses swapped letters ("capusle"), so fall
	// back to the id with the smallest edit distance, as long as it
	// shares something with selector.
	closest, closestDist := "", len(selector)
	for _, id := range ids {
		if d := fuzzy.LevenshteinDistance(selector, id); d < closestDist {
			closest, closestDist = id, d
		}
	}
	return closest
}
