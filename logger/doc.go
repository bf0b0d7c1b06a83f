// Package logger builds the zap logger shared by every flowbox component.
//
// Production mode emits JSON with ISO8601 timestamps, development mode a
// colored console format. Both write to stderr and tag entries with the
// service name.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	log.Info("session started", zap.String("token", token))
package logger
