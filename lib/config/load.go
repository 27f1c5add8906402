// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is used when neither -config nor $ALGORUN_CONFIG
// is given.
const DefaultConfigFile = "/etc/algorun/config.yml"

// ErrNoAlgorithm is returned by Loader.Load when the configuration
// does not name an algorithm command.
var ErrNoAlgorithm = errors.New("Algorithm.Command is empty")

type Loader struct {
	Path string
	// If true, an empty Algorithm.Command is not an error.
	SkipAlgorithmCheck bool

	Logger logrus.FieldLogger
	stdin  io.Reader
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/algorun/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := DefaultConfigFile
	if env := os.Getenv("ALGORUN_CONFIG"); env != "" {
		def = env
	}
	flagset.StringVar(&ldr.Path, "config", def, "Site configuration `file` (default may be overridden by setting an ALGORUN_CONFIG environment variable)")
}

// Load reads the configuration file (or stdin, if Path is "-") on top
// of the built-in defaults, and checks the result.
func (ldr *Loader) Load() (*algorun.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.LoadBytes(buf)
}

// LoadBytes is like Load, but reads the configuration from buf.
func (ldr *Loader) LoadBytes(buf []byte) (*algorun.Config, error) {
	var cfg algorun.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	err = ldr.logExtraKeys(buf)
	if err != nil {
		return nil, err
	}
	err = ldr.check(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (ldr *Loader) check(cfg *algorun.Config) error {
	if cfg.Pipeline.HaltStep != "" && !cfg.Pipeline.HaltStep.Valid() {
		return fmt.Errorf("Pipeline.HaltStep: unknown processing step %q", cfg.Pipeline.HaltStep)
	}
	if cfg.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("Pipeline.PollInterval must be positive, got %s", cfg.Pipeline.PollInterval)
	}
	if cfg.Pipeline.FinishCheckEvery < 1 {
		return fmt.Errorf("Pipeline.FinishCheckEvery must be at least 1, got %d", cfg.Pipeline.FinishCheckEvery)
	}
	if cfg.Pipeline.MaxFailedSubtasks < 0 || cfg.Pipeline.MaxAutoResubmits < 0 {
		return errors.New("Pipeline.MaxFailedSubtasks and Pipeline.MaxAutoResubmits must not be negative")
	}
	if _, err := cfg.Remote.WallTime.Duration(); err != nil {
		return fmt.Errorf("Remote.WallTime: %w", err)
	}
	if cfg.Remote.Enabled && cfg.Remote.CoresPerNode < 1 {
		return fmt.Errorf("Remote.CoresPerNode must be at least 1, got %d", cfg.Remote.CoresPerNode)
	}
	if cfg.Algorithm.Command == "" {
		if !ldr.SkipAlgorithmCheck {
			return ErrNoAlgorithm
		}
	} else if _, err := AlgorithmCommand(cfg); err != nil {
		return err
	}
	for _, dir := range []struct {
		key, path string
	}{
		{"Directories.StateFiles", cfg.Directories.StateFiles},
		{"Directories.TaskData", cfg.Directories.TaskData},
	} {
		if !strings.HasPrefix(dir.path, "/") {
			return fmt.Errorf("%s must be an absolute path, got %q", dir.key, dir.path)
		}
	}
	return nil
}

// AlgorithmCommand splits the configured algorithm command line into
// words.
func AlgorithmCommand(cfg *algorun.Config) ([]string, error) {
	words, err := shlex.Split(cfg.Algorithm.Command)
	if err != nil {
		return nil, fmt.Errorf("Algorithm.Command: %w", err)
	}
	if len(words) == 0 {
		return nil, ErrNoAlgorithm
	}
	return words, nil
}

// logExtraKeys warns about keys in the supplied config that do not
// correspond to any known config entry.
func (ldr *Loader) logExtraKeys(buf []byte) error {
	if ldr.Logger == nil {
		return nil
	}
	var expected, supplied map[string]interface{}
	err := yaml.Unmarshal(DefaultYAML, &expected)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return err
	}
	for _, key := range extraKeys(expected, supplied, "") {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", key)
	}
	return nil
}

func extraKeys(expected, supplied map[string]interface{}, prefix string) []string {
	var extra []string
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			extra = append(extra, prefix+k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); ok {
			// An empty map in the defaults, like
			// PostgreSQL.Connection, takes arbitrary keys.
			if vexp, ok := vexp.(map[string]interface{}); ok && len(vexp) > 0 {
				extra = append(extra, extraKeys(vexp, vsupp, prefix+k+".")...)
			}
		}
	}
	sort.Strings(extra)
	return extra
}

// Dump returns the YAML encoding of cfg.
func Dump(cfg *algorun.Config) ([]byte, error) {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return bytes.TrimLeft(buf, "\n"), nil
}
