//go:build unix

package main

import (
	"fmt"
	"syscall"

	"github.com/rs/zerolog"
)

// maybeDropPrivileges lowers the process to uid with setuid when uid is
// non-zero. main calls it before Server.Start, which binds the listener, so
// the bind happens under the lowered uid.
func maybeDropPrivileges(uid int, log zerolog.Logger) error {
	if uid == 0 {
		return nil
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	log.Info().Int("uid", uid).Msg("dropped privileges")
	return nil
}
