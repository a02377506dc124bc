package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// codec converts an entity to and from its stored form. The row key is
// passed so codecs can bind ciphertext to it.
type codec[T any] struct {
	encode func(row string, v *T) ([]byte, error)
	decode func(row string, data []byte) (*T, error)
}

func jsonCodec[T any]() codec[T] {
	return codec[T]{
		encode: func(_ string, v *T) ([]byte, error) {
			return json.Marshal(v)
		},
		decode: func(_ string, data []byte) (*T, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return &v, nil
		},
	}
}

// load reads and decodes one row, mapping a missing row to ErrNotFound
func load[T any](store storage.Store, c codec[T], partition, row string) (*T, error) {
	data, err := store.Get(partition, row)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v, err := c.decode(row, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", partition, row, err)
	}
	return v, nil
}

// fieldSet returns an equality over the named fields of T. Nil and empty
// maps or slices compare equal. It panics on unknown field names, so a
// misspelled whitelist fails at package init.
func fieldSet[T any](fields ...string) func(a, b *T) bool {
	typ := reflect.TypeFor[T]()
	for _, f := range fields {
		if _, ok := typ.FieldByName(f); !ok {
			panic(fmt.Sprintf("registry: %s has no field %s", typ, f))
		}
	}

	return func(a, b *T) bool {
		va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
		for _, f := range fields {
			if !cmp.Equal(va.FieldByName(f).Interface(), vb.FieldByName(f).Interface(), cmpopts.EquateEmpty()) {
				return false
			}
		}
		return true
	}
}

// createIdempotent inserts value unless the row exists. An existing row
// equal to value under equal is a replay and succeeds; any other
// existing row is ErrConflict. created reports whether this call
// inserted the row. The returned entity is what is stored.
func createIdempotent[T any](store storage.Store, c codec[T], partition, row string, value *T, equal func(a, b *T) bool) (stored *T, created bool, err error) {
	data, err := c.encode(row, value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s/%s: %w", partition, row, err)
	}

	// A row deleted between the failed create and the load gets one more
	// chance to be inserted.
	for attempt := 0; attempt < 2; attempt++ {
		err = store.Create(partition, row, data)
		if err == nil {
			stored, err := c.decode(row, data)
			if err != nil {
				return nil, false, err
			}
			return stored, true, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return nil, false, err
		}

		existing, err := load(store, c, partition, row)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		// Compare in stored form so JSON number and time normalization
		// applies to both sides.
		requested, err := c.decode(row, data)
		if err != nil {
			return nil, false, err
		}
		if !equal(existing, requested) {
			return nil, false, ErrConflict
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("%s/%s: %w", partition, row, ErrConflict)
}
