package chunk

import "fmt"

// MapValue is one entry of a map chunk.
type MapValue struct {
	Version uint64 `codec:"version"` // Version increments on every sequenced update
	Data    []byte `codec:"data"`    // Data is the entry payload
}

// Map is a mutable key-value chunk. Sequenced maps enforce a version
// check on every update; unsequenced maps overwrite unconditionally.
type Map struct {
	Owner     []byte              `codec:"owner"`     // Owner is the map owner's public key
	Tag       string              `codec:"tag"`       // Tag is the owner-scoped name
	Sequenced bool                `codec:"sequenced"` // Sequenced selects versioned semantics
	Entries   map[string]MapValue `codec:"entries"`   // Entries holds the map content
}

// NewMap creates an empty map chunk value.
func NewMap(owner []byte, tag string, sequenced bool) *Map {
	return &Map{
		Owner:     owner,
		Tag:       tag,
		Sequenced: sequenced,
		Entries:   make(map[string]MapValue),
	}
}

// Get returns the value for a key, or false when absent.
func (m *Map) Get(key string) (MapValue, bool) {
	v, ok := m.Entries[key]
	return v, ok
}

// Set writes a key. For sequenced maps, expectedVersion must equal the
// current version (0 for a new key); the stored version increments.
func (m *Map) Set(key string, data []byte, expectedVersion uint64) error {
	current := m.Entries[key]

	if m.Sequenced && current.Version != expectedVersion {
		return fmt.Errorf("version mismatch for %q: have %d, want %d", key, current.Version, expectedVersion)
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	m.Entries[key] = MapValue{Version: current.Version + 1, Data: cp}

	return nil
}

// Delete removes a key. Sequenced maps check the version first.
func (m *Map) Delete(key string, expectedVersion uint64) error {
	current, ok := m.Entries[key]
	if !ok {
		return fmt.Errorf("key %q not present", key)
	}

	if m.Sequenced && current.Version != expectedVersion {
		return fmt.Errorf("version mismatch for %q: have %d, want %d", key, current.Version, expectedVersion)
	}

	delete(m.Entries, key)

	return nil
}

// Kind returns the chunk kind for this map.
func (m *Map) Kind() Kind {
	if m.Sequenced {
		return MapSequenced
	}

	return MapUnsequenced
}

// Chunk wraps the map into its chunk form for storage and transit.
func (m *Map) Chunk() (*Chunk, error) {
	value, err := encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}

	return &Chunk{Kind: m.Kind(), Owner: m.Owner, Tag: m.Tag, Value: value}, nil
}

// MapFromChunk decodes a map from its chunk form.
func MapFromChunk(c *Chunk) (*Map, error) {
	if c.Kind != MapSequenced && c.Kind != MapUnsequenced {
		return nil, fmt.Errorf("not a map chunk: %s", c.Kind)
	}

	var m Map
	if err := decode(c.Value, &m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}

	if m.Entries == nil {
		m.Entries = make(map[string]MapValue)
	}

	return &m, nil
}
