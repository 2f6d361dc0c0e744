//go:build !windows

package discovery

import (
	"fmt"
	"os"
	"syscall"
)

// statIdentity extracts a device+inode identity on unix-like platforms,
// so a rename that preserves the inode is recognized as the same
// candidate instead of spawning a duplicate stability loop.
func statIdentity(info os.FileInfo) (string, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%d:%d", st.Dev, st.Ino), true
}
