// Package config provides application configuration management.
//
// Configuration is read with viper from config.yaml (or the file named by
// FLOWBOX_CONFIG) and can be overridden with FLOWBOX_ prefixed environment
// variables, for example FLOWBOX_SANDBOX_TIMEOUT_SEC=5. It covers the REST and
// MCP listeners, the execution engine, progress logs, asynchronous sessions,
// the flow store backend, metrics and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Execution timeout: %s\n", cfg.GetTimeout())
package config
