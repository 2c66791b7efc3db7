// Package cache is the durable store of fetched audio. Records are kept in
// a bbolt database and their bytes as blobs under the cache directory; a
// journal bucket makes record and byte changes atomic across crashes.
package cache
