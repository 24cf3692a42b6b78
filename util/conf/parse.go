package conf

import (
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/lambda-feedback/foreman/util/cliflags"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

type ParseOptions struct {
	// Cli is the cli.Context from urfave/cli
	Cli *cli.Context

	// CliMap is a map of cli flag names to config keys
	CliMap map[string]string

	// Defaults is a map of default values
	Defaults DefaultConfig

	// EnvPrefix is the prefix for env vars
	EnvPrefix string

	// FileName is the name of the configuration file to load. Files
	// ending in .env are read as dotenv files, all others as json.
	FileName string

	// Overrides are loaded last and take precedence over all other sources
	Overrides map[string]any

	// Log is the logger to use
	Log *zap.Logger
}

func Parse[C any](opt ParseOptions) (C, error) {
	var config C

	var log *zap.Logger
	if opt.Log != nil {
		log = opt.Log
	} else {
		log = zap.NewNop()
	}

	k := koanf.New(".")

	if opt.Defaults != nil {
		k.Load(confmap.Provider(opt.Defaults, "."), nil)
	}

	if opt.FileName != "" {
		if err := loadFile(k, opt.FileName, opt.EnvPrefix); err != nil {
			log.Error("error parsing file",
				zap.Error(err),
				zap.String("file", opt.FileName),
			)
			return config, err
		}
	}

	transformPrefixedEnv := func(s string) string {
		return transformEnv(s, opt.EnvPrefix)
	}

	if err := k.Load(env.Provider(opt.EnvPrefix, ".", transformPrefixedEnv), nil); err != nil {
		log.Error("error parsing env vars", zap.Error(err))
		return config, err
	}

	if opt.Cli != nil {
		transformFlag := func(s string) string {
			if opt.CliMap != nil {
				if name, ok := opt.CliMap[s]; ok {
					return name
				}
			}

			// replace - with _
			return strings.ReplaceAll(strings.ToLower(s), "-", "_")
		}

		if err := k.Load(cliflags.Provider(opt.Cli, ".", transformFlag), nil); err != nil {
			log.Error("error parsing cli flags", zap.Error(err))
			return config, err
		}
	}

	if opt.Overrides != nil {
		if err := k.Load(confmap.Provider(opt.Overrides, "."), nil); err != nil {
			log.Error("error loading overrides", zap.Error(err))
			return config, err
		}
	}

	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "conf"}); err != nil {
		log.Error("error unmarshalling config", zap.Error(err))
		return config, err
	}

	return config, nil
}

// ParseJSON decodes a json document into a nested map, e.g. to be
// passed as Overrides.
func ParseJSON(data []byte) (map[string]any, error) {
	return json.Parser().Unmarshal(data)
}

func loadFile(k *koanf.Koanf, name, prefix string) error {
	provider := file.Provider(name)

	if filepath.Ext(name) != ".env" {
		return k.Load(provider, json.Parser())
	}

	data, err := provider.ReadBytes()
	if err != nil {
		return err
	}

	vars, err := dotenv.Parser().Unmarshal(data)
	if err != nil {
		return err
	}

	// dotenv files use the same keys as the environment
	mp := make(map[string]any, len(vars))
	for key, val := range vars {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		mp[transformEnv(key, prefix)] = val
	}

	return k.Load(confmap.Provider(mp, "."), nil)
}

func transformEnv(s, prefix string) string {
	// allow specifying nested env vars w/ __
	normalized := strings.ReplaceAll(strings.ToLower(s), "__", ".")
	// drop prefix if it is set
	if prefix != "" {
		normalized = normalized[len(prefix):]
	}
	return normalized
}
