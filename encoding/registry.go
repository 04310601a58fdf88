package encoding

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Type describes named message type.
type Type struct {
	Name   string
	GoType reflect.Type
}

// NewType creates type description for name backed by Go type T.
func NewType[T any](name string) Type {
	return Type{
		Name:   name,
		GoType: reflect.TypeFor[T](),
	}
}

type registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func newRegistry() *registry {
	return &registry{
		types: map[string]reflect.Type{},
	}
}

func (r *registry) Add(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[t.Name] = t.GoType
}

func (r *registry) Get(name string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[name]
	if !exists {
		return nil, errors.Wrapf(ErrUnknownType, "type %q", name)
	}
	return t, nil
}
