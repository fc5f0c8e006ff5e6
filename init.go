package unison

// Init performs process-wide setup shared by every Endpoint: the
// package's log ring buffer. Call it once before creating any
// Endpoint; it is safe to skip if the default slog logger is fine
// as-is and LogDmesg is never needed.
func Init() {
	initLog()
}

// Shutdown releases what Init acquired.
func Shutdown() {
	shutdownLog()
}
