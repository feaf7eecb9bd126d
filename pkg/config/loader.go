package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/restflow/restflow/pkg/rferrors"
)

// LoaderOptions selects the layers merged on top of the defaults.
type LoaderOptions struct {
	// Path is an optional YAML config file; a missing file is not an
	// error unless Required is set.
	Path     string
	Required bool

	// Overrides is the top layer, used by tests and CLI flags.
	Overrides map[string]any
}

// Load builds the layered configuration. Priority, lowest first:
// defaults, file, RESTFLOW_ environment variables, explicit overrides.
func Load(opts LoaderOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "load config defaults", err)
	}

	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err == nil {
			if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
				return nil, rferrors.Wrap(rferrors.Protocol, "parse config file "+opts.Path, err)
			}
		} else if opts.Required {
			return nil, rferrors.Wrap(rferrors.NotFound, "config file "+opts.Path, err)
		}
	}

	// RESTFLOW_RUNNER_MAX_CONCURRENT_TASKS=8 becomes
	// runner.max_concurrent_tasks. Every section name except rate_limit
	// is one word, so the first underscore splits section from key;
	// rate_limit is matched by its full prefix.
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "RESTFLOW_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "RESTFLOW_"))
			if key == "dir" {
				return "dir", value
			}
			if strings.HasPrefix(key, "rate_limit_") {
				return "rate_limit." + strings.TrimPrefix(key, "rate_limit_"), value
			}
			parts := strings.SplitN(key, "_", 2)
			if len(parts) == 2 {
				return parts[0] + "." + parts[1], value
			}
			return key, value
		},
	}), nil); err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "load config environment", err)
	}

	if len(opts.Overrides) > 0 {
		if err := k.Load(confmap.Provider(opts.Overrides, "."), nil); err != nil {
			return nil, rferrors.Wrap(rferrors.Internal, "load config overrides", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "koanf",
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, rferrors.Wrap(rferrors.Internal, "build config decoder", err)
	}
	if err := decoder.Decode(k.Raw()); err != nil {
		return nil, rferrors.Wrap(rferrors.Protocol, "decode config", err)
	}
	return cfg, nil
}
