package storage

import (
	"crypto/md5"
	"encoding/hex"
)

// ComputeHashID returns the content-derived identifier for text within a
// namespace: "<namespace>-<md5 hex>". Equal text always yields the same id.
func ComputeHashID(namespace, text string) string {
	sum := md5.Sum([]byte(text))
	return namespace + "-" + hex.EncodeToString(sum[:])
}
