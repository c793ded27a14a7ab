package pipeline

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// recordingUmask keeps group write on files created for recordings.
const recordingUmask = 0o002

// prepareOutput creates the empty output file with the configured mode and
// group so the encoder writes into a file shared with the group.
func prepareOutput(path string, mode os.FileMode, group string) (err error) {
	old := unix.Umask(recordingUmask)
	defer unix.Umask(old)

	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return fmt.Errorf("failed to create recording directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	f.Close()
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()

	if group != "" {
		gid, err := lookupGID(group)
		if err != nil {
			return err
		}
		if err := os.Chown(path, -1, gid); err != nil {
			return fmt.Errorf("failed to set group %s on %s: %w", group, path, err)
		}
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}
	return nil
}

func lookupGID(group string) (int, error) {
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, fmt.Errorf("failed to look up group %s: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("invalid gid %q for group %s", g.Gid, group)
	}
	return gid, nil
}
