package tus

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
)

// Fingerprint derives a stable identity for a local file from its name, size,
// and modification time. Two runs of the process compute the same fingerprint
// for an unchanged file, which is what lets an interrupted transfer resume
// instead of restarting from zero. Any edit to the file changes the
// fingerprint and forces a fresh upload.
//
// The path is length-prefixed to prevent collisions from delimiter ambiguity.
func Fingerprint(path string, info fs.FileInfo) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d:%d",
		len(path), path, info.Size(), info.ModTime().UnixNano()))

	return fmt.Sprintf("%x", h)
}
