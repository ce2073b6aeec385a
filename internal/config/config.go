// Package config loads larch's YAML configuration file and resolves one
// named section (or "default") into a fully validated Config, applying
// CLI-flag overrides on top.
//
// Grounded on Carloslauriano-SimpleMail/config/config.go: viper.SetConfigFile
// + viper.SetConfigType("yaml") + viper.ReadInConfig, read once and
// unmarshalled with github.com/mitchellh/mapstructure. That teacher reads a
// single flat struct; larch's config has three precedence layers (CLI >
// section > default > built-in defaults) per spec.md §6, so Load reads the
// whole file into a map[string]any tree and decodes the "default" map and
// the named section map into two Raw structs before folding them with
// Overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/larchsync/larch/internal/larcherr"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/uri"
)

// Raw is the decoded shape of one YAML section (or the "default" section),
// before precedence folding. Every scalar field is a pointer so Merge can
// tell "unset" apart from "explicitly set to the zero value"; Exclude is
// a plain slice, and an empty one counts as unset.
type Raw struct {
	From               *string  `mapstructure:"from"`
	To                 *string  `mapstructure:"to"`
	FromFolder         *string  `mapstructure:"from-folder"`
	ToFolder           *string  `mapstructure:"to-folder"`
	All                *bool    `mapstructure:"all"`
	AllSubscribed      *bool    `mapstructure:"all-subscribed"`
	NoRecurse          *bool    `mapstructure:"no-recurse"`
	Delete             *bool    `mapstructure:"delete"`
	Expunge            *bool    `mapstructure:"expunge"`
	SyncFlags          *bool    `mapstructure:"sync-flags"`
	DryRun             *bool    `mapstructure:"dry-run"`
	NoCreateFolder     *bool    `mapstructure:"no-create-folder"`
	Exclude            []string `mapstructure:"exclude"`
	ExcludeFile        *string  `mapstructure:"exclude-file"`
	SSLCerts           *string  `mapstructure:"ssl-certs"`
	SSLVerify          *bool    `mapstructure:"ssl-verify"`
	MaxRetries         *int     `mapstructure:"max-retries"`
	Verbosity          *string  `mapstructure:"verbosity"`
	FromFastScan       *bool    `mapstructure:"from-fast-scan"`
	ToFastScan         *bool    `mapstructure:"to-fast-scan"`
	PoolMaxConnections *int     `mapstructure:"pool-max-connections"`
	PoolTimeout        *int     `mapstructure:"pool-timeout"`
	PoolSleep          *int     `mapstructure:"pool-sleep"`
	LogFormat          *string  `mapstructure:"log-format"`
	Database           *string  `mapstructure:"database"`
}

// Config is the fully resolved, validated set of options for one run.
type Config struct {
	From, To           *uri.URI
	FromFolder         string
	ToFolder           string
	All                bool
	AllSubscribed      bool
	NoRecurse          bool
	Delete             bool
	Expunge            bool
	SyncFlags          bool
	DryRun             bool
	CreateFolders      bool
	Exclusions         []Pattern
	SSLCerts           string
	SSLVerify          bool
	MaxRetries         int
	Verbosity          logx.Level
	FromFastScan       bool
	ToFastScan         bool
	PoolMaxConnections int
	PoolTimeout        time.Duration
	PoolSleep          time.Duration
	LogFormat          logx.Format
	Database           string
}

func builtinDefaults() Raw {
	return Raw{
		ToFolder:           strp("INBOX"),
		SSLVerify:          boolp(true),
		MaxRetries:         intp(3),
		Verbosity:          strp("info"),
		PoolMaxConnections: intp(4),
		PoolTimeout:        intp(60),
		PoolSleep:          intp(10),
		LogFormat:          strp("text"),
		Database:           strp("larch.db"),
	}
}

// Overrides is the CLI-flag layer; a nil field means "flag not passed".
type Overrides struct {
	Database  *string
	DryRun    *bool
	Verbosity *string
}

// Load reads path, decodes the "default" section and the named section
// (section == "" is treated as "default" alone), folds the three
// precedence layers, applies cli on top, and validates the result.
// Validation happens here, before any network I/O, per spec.md §7.
func Load(path, section string, cli Overrides) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w: %v", path, larcherr.ErrConfig, err)
	}

	def, err := decodeSection(v, "default")
	if err != nil {
		return nil, err
	}

	sec := Raw{}
	if section != "" && section != "default" {
		sec, err = decodeSection(v, section)
		if err != nil {
			return nil, err
		}
	}

	merged := builtinDefaults()
	merged = Merge(merged, def)
	merged = Merge(merged, sec)
	merged = applyOverrides(merged, cli)

	return resolve(&merged)
}

func decodeSection(v *viper.Viper, name string) (Raw, error) {
	raw := v.Get(name)
	if raw == nil {
		return Raw{}, nil
	}
	var out Raw
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &out})
	if err != nil {
		return Raw{}, fmt.Errorf("config: decoder for %s: %w: %v", name, larcherr.ErrConfig, err)
	}
	if err := dec.Decode(raw); err != nil {
		return Raw{}, fmt.Errorf("config: decode section %s: %w: %v", name, larcherr.ErrConfig, err)
	}
	return out, nil
}

func applyOverrides(r Raw, cli Overrides) Raw {
	if cli.Database != nil {
		r.Database = cli.Database
	}
	if cli.DryRun != nil {
		r.DryRun = cli.DryRun
	}
	if cli.Verbosity != nil {
		r.Verbosity = cli.Verbosity
	}
	return r
}

// resolve validates the merged Raw and builds the typed Config,
// returning larcherr.ErrInvalidURI / larcherr.ErrConfig on failure.
func resolve(r *Raw) (*Config, error) {
	if r.From == nil || *r.From == "" {
		return nil, fmt.Errorf("config: %w: from is required", larcherr.ErrInvalidURI)
	}
	if r.To == nil || *r.To == "" {
		return nil, fmt.Errorf("config: %w: to is required", larcherr.ErrInvalidURI)
	}
	fromURI, err := uri.Parse(*r.From)
	if err != nil {
		return nil, err
	}
	toURI, err := uri.Parse(*r.To)
	if err != nil {
		return nil, err
	}

	all := boolv(r.All)
	allSub := boolv(r.AllSubscribed)
	noRecurse := boolv(r.NoRecurse)
	fromFolderSet := r.FromFolder != nil && *r.FromFolder != ""

	if noRecurse && (all || allSub) {
		return nil, fmt.Errorf("config: %w: no-recurse cannot be combined with all or all-subscribed", larcherr.ErrConfig)
	}

	// all wins over all-subscribed; an explicit from-folder overrides both.
	if fromFolderSet {
		all = false
		allSub = false
	} else if all {
		allSub = false
	}

	level := logx.Level(strings.ToLower(strv(r.Verbosity)))
	switch level {
	case logx.Fatal, logx.Error, logx.Warn, logx.Info, logx.Debug, logx.Imap:
	default:
		return nil, fmt.Errorf("config: %w: bad verbosity %q", larcherr.ErrConfig, strv(r.Verbosity))
	}

	format := logx.Format(strings.ToLower(strv(r.LogFormat)))
	if format != logx.Text && format != logx.JSON {
		return nil, fmt.Errorf("config: %w: bad log-format %q", larcherr.ErrConfig, strv(r.LogFormat))
	}

	maxRetries := intv(r.MaxRetries)
	if maxRetries < 0 {
		return nil, fmt.Errorf("config: %w: max-retries must be >= 0", larcherr.ErrConfig)
	}

	exclusions, err := compileExclusions(r.Exclude, strv(r.ExcludeFile))
	if err != nil {
		return nil, err
	}

	fromFolder := strv(r.FromFolder)
	if fromFolder == "" {
		fromFolder = "INBOX"
	}

	return &Config{
		From: fromURI, To: toURI,
		FromFolder:         fromFolder,
		ToFolder:           strv(r.ToFolder),
		All:                all,
		AllSubscribed:      allSub,
		NoRecurse:          noRecurse,
		Delete:             boolv(r.Delete),
		Expunge:            boolv(r.Expunge),
		SyncFlags:          boolv(r.SyncFlags),
		DryRun:             boolv(r.DryRun),
		CreateFolders:      !boolv(r.NoCreateFolder),
		Exclusions:         exclusions,
		SSLCerts:           strv(r.SSLCerts),
		SSLVerify:          boolv(r.SSLVerify),
		MaxRetries:         maxRetries,
		Verbosity:          level,
		FromFastScan:       boolv(r.FromFastScan),
		ToFastScan:         boolv(r.ToFastScan),
		PoolMaxConnections: intv(r.PoolMaxConnections),
		PoolTimeout:        time.Duration(intv(r.PoolTimeout)) * time.Second,
		PoolSleep:          time.Duration(intv(r.PoolSleep)) * time.Millisecond,
		LogFormat:          format,
		Database:           strv(r.Database),
	}, nil
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }
func intp(i int) *int       { return &i }

func strv(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
func boolv(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
func intv(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
