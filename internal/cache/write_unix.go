//go:build !windows

package cache

import (
	"io/fs"

	"github.com/google/renameio/v2"
)

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it, and renames it over path.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
