// Package schema validates mutation payloads against per-entity CUE schemas.
//
// Entity payloads form a tagged union keyed by entity type. Each variant is
// a closed CUE struct for create and for update, so unknown fields, missing
// required fields and wrong types are all rejected in one place before a
// mutation is queued.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/fieldsync/internal/payload"
)

//go:embed entities.cue
var builtinSchema []byte

// Operation names accepted by Validate.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Entity describes one variant of the payload union.
type Entity struct {
	Name string

	// KeyField names the payload field holding the record id.
	KeyField string

	// QuantityField names the integer stock field used by mutation chains.
	// Empty when the entity has no chain semantics.
	QuantityField string

	create cue.Value
	update cue.Value
}

// Registry holds compiled entity schemas.
// Safe for concurrent use; CUE evaluation is serialized internally.
type Registry struct {
	mu       sync.Mutex
	ctx      *cue.Context
	entities map[string]*Entity
}

// Builtin compiles the embedded entity schemas.
func Builtin() (*Registry, error) {
	return Compile(builtinSchema, "entities.cue")
}

// Compile builds a registry from CUE source.
func Compile(src []byte, filename string) (*Registry, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", filename, err)
	}
	return newRegistry(ctx, value)
}

// LoadDir builds a registry from the CUE package in dir.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load %s: no CUE instances loaded", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("build %s: %w", dir, err)
	}
	return newRegistry(ctx, value)
}

func newRegistry(ctx *cue.Context, root cue.Value) (*Registry, error) {
	entitiesVal := root.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, fmt.Errorf("schema: no entity definitions found")
	}

	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("schema: iterating entities: %w", err)
	}

	r := &Registry{ctx: ctx, entities: make(map[string]*Entity)}
	for iter.Next() {
		ent, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		r.entities[ent.Name] = ent
	}
	if len(r.entities) == 0 {
		return nil, fmt.Errorf("schema: no entity definitions found")
	}
	return r, nil
}

func compileEntity(name string, v cue.Value) (*Entity, error) {
	ent := &Entity{Name: name, KeyField: "id"}

	if keyVal := v.LookupPath(cue.ParsePath("key")); keyVal.Exists() {
		key, err := keyVal.String()
		if err != nil {
			return nil, fmt.Errorf("entity %s: key: %w", name, err)
		}
		ent.KeyField = key
	}
	if qtyVal := v.LookupPath(cue.ParsePath("quantity")); qtyVal.Exists() {
		qty, err := qtyVal.String()
		if err != nil {
			return nil, fmt.Errorf("entity %s: quantity: %w", name, err)
		}
		ent.QuantityField = qty
	}

	ent.create = v.LookupPath(cue.ParsePath(OpCreate))
	if !ent.create.Exists() {
		return nil, fmt.Errorf("entity %s: create schema is required", name)
	}
	ent.update = v.LookupPath(cue.ParsePath(OpUpdate))
	if !ent.update.Exists() {
		return nil, fmt.Errorf("entity %s: update schema is required", name)
	}
	return ent, nil
}

// Entity returns the named entity schema.
func (r *Registry) Entity(name string) (*Entity, bool) {
	ent, ok := r.entities[name]
	return ent, ok
}

// EntityTypes returns the registered entity names, sorted.
func (r *Registry) EntityTypes() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a payload for the given entity type and operation.
// Every failure is reported as a *ValidationError.
func (r *Registry) Validate(entityType, op string, p payload.Object) error {
	ent, ok := r.entities[entityType]
	if !ok {
		return &ValidationError{
			EntityType: entityType,
			Operation:  op,
			Fields:     []FieldError{{Message: fmt.Sprintf("unknown entity type %q (known: %s)", entityType, strings.Join(r.EntityTypes(), ", "))}},
		}
	}

	var schemaVal cue.Value
	switch op {
	case OpCreate:
		schemaVal = ent.create
	case OpUpdate:
		if len(p) == 0 {
			return &ValidationError{
				EntityType: entityType,
				Operation:  op,
				Fields:     []FieldError{{Message: "update payload must set at least one field"}},
			}
		}
		schemaVal = ent.update
	case OpDelete:
		if len(p) != 0 {
			return &ValidationError{
				EntityType: entityType,
				Operation:  op,
				Fields:     []FieldError{{Message: "delete payload must be empty"}},
			}
		}
		return nil
	default:
		return &ValidationError{
			EntityType: entityType,
			Operation:  op,
			Fields:     []FieldError{{Message: fmt.Sprintf("unknown operation %q", op)}},
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data := map[string]any(p)
	if data == nil {
		data = map[string]any{}
	}
	encoded := r.ctx.Encode(data)
	if err := encoded.Err(); err != nil {
		return &ValidationError{
			EntityType: entityType,
			Operation:  op,
			Fields:     []FieldError{{Message: err.Error()}},
		}
	}

	unified := schemaVal.Unify(encoded)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return newValidationError(entityType, op, schemaVal.Path(), err)
	}
	return nil
}

// trimPath strips the schema's own location from an error path so callers
// see payload field names.
func trimPath(prefix cue.Path, path []string) string {
	var sels []string
	for _, sel := range prefix.Selectors() {
		sels = append(sels, sel.String())
	}
	if len(path) >= len(sels) && slices.Equal(path[:len(sels)], sels) {
		path = path[len(sels):]
	}
	return strings.Join(path, ".")
}
