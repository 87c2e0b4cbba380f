package config

import (
	"fmt"
	"os"
	"path/filepath"

	"shielded-pool/common"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
)

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return common.Wrap(err)
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return common.Wrap(err)
	}
	md, err := toml.Decode(string(bs), cfg)
	if err != nil {
		return common.Wrap(err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return common.Wrap(fmt.Errorf("unknown configuration keys %v", undecoded))
	}
	return nil
}

func loadEnv(sections []interface{}) error {
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// LoadConfig loads defaultValues into cfg, then the file at filePath if set,
// and finally overwrites the envSections, which must point into cfg, with
// the environment variables named by their env tags
func LoadConfig(filePath string, defaultValues string, cfg interface{},
	envSections ...interface{}) error {
	if err := loadDefault(defaultValues, cfg); err != nil {
		return common.Wrapf(err, "error loading default configuration")
	}
	var errLoadFile error
	if filePath != "" {
		errLoadFile = loadFile(filePath, cfg)
	}
	errLoadEnv := loadEnv(envSections)
	if errLoadFile != nil {
		return common.Wrapf(errLoadFile, "error loading configuration file")
	}
	if errLoadEnv != nil {
		return common.Wrapf(errLoadEnv, "error loading environment variables")
	}
	return nil
}
