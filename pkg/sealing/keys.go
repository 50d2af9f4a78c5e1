package sealing

import (
	"path"
	"strings"
)

const sealedSuffix = ".sealed.pdf"

// OriginalKey is where the untouched upload lives.
func OriginalKey(docID string) string {
	return path.Join("documents", docID, "original.pdf")
}

// WatermarkedKey is where the draft copy lives.
func WatermarkedKey(docID string) string {
	return path.Join("documents", docID, "watermarked.pdf")
}

// SealedKey derives the sealed artifact key from its source key:
// documents/<id>/original.pdf -> documents/<id>/original.sealed.pdf.
// A key that is already sealed maps to itself.
func SealedKey(sourceKey string) string {
	if IsSealedKey(sourceKey) {
		return sourceKey
	}
	return strings.TrimSuffix(sourceKey, path.Ext(sourceKey)) + sealedSuffix
}

// IsSealedKey reports whether key names a sealed artifact.
func IsSealedKey(key string) bool {
	return strings.HasSuffix(key, sealedSuffix)
}
