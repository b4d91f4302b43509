// Package config holds the on-chain deployment coordinates a Runner needs
// to build transactions against a particular CSAL deployment: the
// generator (RISC-V binary) and validator type script, and the lock
// scripts contracts and EoA accounts use. It follows the usual
// config-file convention of unmarshaling a single on-disk document into a
// struct the rest of the program treats as read-only.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
)

// RunConfig carries every cell reference a built transaction needs beyond
// the contract cells themselves: the validator (type) script and its
// cell_dep, the default contract lock script and its cell_dep, and the
// EoA lock script and its cell_dep.
type RunConfig struct {
	// Generator is the RISC-V binary bytes the validator type script runs
	// to replay a CSAL program. Unused directly by csal/txbuilder (the
	// chain already has it deployed); kept for tooling that deploys a
	// fresh generator.
	Generator []byte `yaml:"generator"`

	TypeDep    loader.CellDep `yaml:"type_dep"`
	TypeScript loader.Script  `yaml:"type_script"`

	LockDep    loader.CellDep `yaml:"lock_dep"`
	LockScript loader.Script  `yaml:"lock_script"`

	EoaLockDep    loader.CellDep `yaml:"eoa_lock_dep"`
	EoaLockScript loader.Script  `yaml:"eoa_lock_script"`
}

// Load reads a RunConfig from a YAML document at path.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return &cfg, nil
}
