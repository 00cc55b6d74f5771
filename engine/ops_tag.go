package engine

import (
	"context"
	"fmt"
	"sort"
)

// Tags returns the latest value of every watched tag, ordered by name.
func (e *Engine) Tags() []TagSnapshot {
	e.tagsMu.RLock()
	out := make([]TagSnapshot, 0, len(e.tags))
	for _, s := range e.tags {
		out = append(out, *s)
	}
	e.tagsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tag returns the latest value of one watched tag.
func (e *Engine) Tag(name string) (TagSnapshot, error) {
	e.tagsMu.RLock()
	defer e.tagsMu.RUnlock()
	s, ok := e.tags[name]
	if !ok {
		return TagSnapshot{}, fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
	}
	return *s, nil
}

// WriteTagByName writes a watched tag that is configured as writable.
func (e *Engine) WriteTagByName(ctx context.Context, name string, value interface{}) error {
	s, err := e.Tag(name)
	if err != nil {
		return err
	}
	if !s.Writable {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if value == nil {
		return fmt.Errorf("%w: value is required", ErrInvalidInput)
	}
	if err := e.sup.WriteTag(ctx, s.Address, s.Type, value); err != nil {
		return err
	}
	e.emit(EventTagWritten, TagEvent{Name: s.Name, Address: s.Address, Type: s.Type, Value: value})
	return nil
}
