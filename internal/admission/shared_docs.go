package admission

import (
	"context"

	"golang.org/x/sync/singleflight"

	"collabsession/internal/store"
)

// SharedDocs deduplicates concurrent admission-time loads of the same
// document: racing first connections resolve through one store query. An
// error reaches every waiter and is never cached, so a later attempt hits
// the store again.
type SharedDocs struct {
	inner DocumentGetter
	group singleflight.Group
}

func NewSharedDocs(inner DocumentGetter) *SharedDocs {
	return &SharedDocs{inner: inner}
}

func (s *SharedDocs) Get(ctx context.Context, id string) (*store.Document, error) {
	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		return s.inner.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Document), nil
}
