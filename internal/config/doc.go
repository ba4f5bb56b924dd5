// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so the classic adapter variables (API_USERNAME, API_PASSWORD, WS_API_ENDPOINT,
// WS_SUBSCRIPTION_TTL) can be referenced directly from the YAML.
package config
