package adapter

import (
	"context"

	"vibephoto/internal/domain/model"
)

// ObjectStore writes blobs to permanent storage and returns their public URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ResultPersister copies provider outputs of a job to permanent storage and
// returns the permanent result and thumbnail URLs.
type ResultPersister interface {
	Persist(ctx context.Context, job *model.Job, outputs []Output) (results, thumbs []string, err error)
}
