package seriesrelay

import "fmt"

// SeriesKey identifies one DICOM series within one named PACS. Neither field
// is unique on its own: the same SeriesInstanceUID may exist on more than one
// configured source.
type SeriesKey struct {
	Source    string
	SeriesUID string
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s", k.Source, k.SeriesUID)
}

// SeriesMap maps SeriesKey to an arbitrary value. It is not safe for
// concurrent use; owners guard it with their own mutex.
type SeriesMap[V any] struct {
	entries map[SeriesKey]V
}

func NewSeriesMap[V any]() *SeriesMap[V] {
	return &SeriesMap[V]{entries: map[SeriesKey]V{}}
}

func (m *SeriesMap[V]) Get(key SeriesKey) (V, bool) {
	value, ok := m.entries[key]
	return value, ok
}

func (m *SeriesMap[V]) Set(key SeriesKey, value V) {
	m.entries[key] = value
}

func (m *SeriesMap[V]) Delete(key SeriesKey) {
	delete(m.entries, key)
}

func (m *SeriesMap[V]) Len() int {
	return len(m.entries)
}

// Clear discards every entry. Used when a new search supersedes the session.
func (m *SeriesMap[V]) Clear() {
	m.entries = map[SeriesKey]V{}
}

func (m *SeriesMap[V]) Range(visit func(key SeriesKey, value V) bool) {
	for key, value := range m.entries {
		if !visit(key, value) {
			return
		}
	}
}
