//go:build !unix

package main

import "github.com/rs/zerolog"

// maybeDropPrivileges is a no-op off unix: there's no portable uid model
// to drop into.
func maybeDropPrivileges(uid int, log zerolog.Logger) error {
	if uid != 0 {
		log.Warn().Msg("uid drop-privilege requested but not supported on this platform")
	}
	return nil
}
