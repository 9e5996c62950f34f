package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ErrInvalid is returned for configurations the schema rejects.
var ErrInvalid = errors.New("invalid configuration")

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaMu   sync.Mutex // cue.Context is not safe for concurrent use
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func loadSchema() {
	schemaCtx = cuecontext.New()
	v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		schemaErr = fmt.Errorf("compile schema: %w", err)
		return
	}
	schemaDef = v.LookupPath(cue.ParsePath("#Config"))
	schemaErr = schemaDef.Err()
}

// Validate checks c against the embedded #Config schema.
func (c *Config) Validate() error {
	schemaOnce.Do(loadSchema)
	if schemaErr != nil {
		return schemaErr
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()
	v := schemaDef.Unify(schemaCtx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}
	return nil
}
