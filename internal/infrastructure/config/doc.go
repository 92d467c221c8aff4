// Package config handles loading and validating the LLBot launcher configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with LLBOT_* environment variables
//   - Validation of all fields, reported together
//   - Default value handling
//
// A bundle runs without any configuration file; every setting has a default
// that reproduces the stock launcher behaviour. Observability surfaces
// (database, mqtt, influxdb, status) are disabled unless enabled here.
//
// Usage:
//
//	cfg, err := config.Load(filepath.Join(root, "llbot.yaml"))
//	if err != nil {
//	    return err
//	}
//	cfg.ResolvePaths(root, cwd)
package config
