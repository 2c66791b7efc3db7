package media

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/storage"
)

// Kind classifies a failed request.
type Kind int

const (
	// NotRetrievable means the item could not be resolved, downloaded or
	// tagged.
	NotRetrievable Kind = iota
	// Storage means the local file system or database failed.
	Storage
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case NotRetrievable:
		return "not_retrievable"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Failure is returned by Service.Get. Its message is safe to show to end
// users; the cause is available through Unwrap.
type Failure struct {
	Kind Kind
	Key  cache.Key
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("could not retrieve %s", f.Key)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(key cache.Key, err error) *Failure {
	kind := NotRetrievable
	if errors.Is(err, storage.ErrIO) {
		kind = Storage
	}
	return &Failure{Kind: kind, Key: key, Err: err}
}
