// Package config in cmd provides a thin wrapper around the shared
// configuration loader found in pkg/config, returning a Config value to the
// caller rather than stashing it in a package-level variable.
package config

import (
	pkgconfig "lightning/pkg/config"
)

// LoadConfig loads the configuration for the given environment name. Errors
// are returned rather than panicking, leaving the caller (cmd/lightningd)
// free to decide how to fail startup.
func LoadConfig(env string) (*pkgconfig.Config, error) {
	return pkgconfig.Load(env)
}
