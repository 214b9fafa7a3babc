package server

import (
	_ "embed"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ErrInvalidConfig is returned when a config fails the schema.
var ErrInvalidConfig = errors.New("invalid config")

//go:embed schema.cue
var configSchema string

// validate checks cfg against the schema.
func validate(cfg *Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	val := ctx.Encode(cfg)
	if err := val.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	final := schema.Unify(val)
	if err := final.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, cueerrors.Details(err, nil))
	}
	return nil
}
