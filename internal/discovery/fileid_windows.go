//go:build windows

package discovery

import "os"

// statIdentity has no portable device+inode equivalent exposed through
// os.FileInfo on Windows; callers fall back to path-based dedup there.
func statIdentity(info os.FileInfo) (string, bool) {
	return "", false
}
