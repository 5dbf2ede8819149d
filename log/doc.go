// Package log is the leveled logging facade used across wakil.
//
// Components accept a Logger and fall back to the package-level logger via
// OrDefault. The default writes to stderr through kataras/golog with the
// "[wakil] " prefix at info level:
//
//	log.SetLogLevel(log.LogLevelDebug)
//	log.Info("compiled agent %s", id)
//
// Pass &log.NoOpLogger{} to silence a component.
package log
