// Package config handles loading and validating routine-core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with ROUTINECORE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The HTTP API refuses to start without a JWT secret of at least 32 characters
//   - engine.allow_high_intensity defaults to false; it gates stimulus intensities above
//     the conservative ceiling and should only be enabled deliberately
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
