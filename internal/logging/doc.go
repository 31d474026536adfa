// Package logging provides structured logging for conductor.
//
// # Overview
//
// Logging wraps Zap with:
//   - A Trace level (-2, below Debug)
//   - Stderr and optional OpenTelemetry output
//   - Context field injection (trace_id, session.id, phase, hook.event)
//   - Field-name secret redaction
//
// Stdout is never a log sink: the hook protocol owns it.
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, state.ID)
//	ctx = logging.WithPhase(ctx, "verify")
//	logger.Info(ctx, "gate finished", zap.String("gate.name", "lint"))
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "gate finished")
//	tl.AssertLogged(t, zapcore.InfoLevel, "gate finished")
package logging
