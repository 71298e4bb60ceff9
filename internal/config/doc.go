// Package config handles loading and validation of service configuration.
// Configuration comes from a YAML file with environment overrides for
// secrets and the listening port, so credentials never have to live in the
// file.
package config
