// Package config handles loading and validating xenbackd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with XENBACKEND_* environment variables
//   - Validation of required fields, reporting every problem at once
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and tokens should be set via environment variables
//   - The daemon runs privileged; the config file should be 0600
//
// Usage:
//
//	cfg, err := config.Load("/etc/xenbackend/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, cl := range cfg.Backend.Classes {
//	    fmt.Println(cl.Type, cl.DomIDs)
//	}
package config
