package config

// Compile-time bridge configuration. The original carried these in config.h;
// screen geometry must match the layout configured on the Synergy server.
const (
	// Hostname announced in the greeting response.
	Hostname = "PC"

	// Virtual screen geometry reported in DINF.
	ScreenX = 0
	ScreenY = 0
	ScreenW = 1920
	ScreenH = 1080

	// Number of serial frames the microcontroller can queue before it has to
	// acknowledge consumption.
	SerialTxSize = 4

	// Period of the timer that flushes coalesced mouse motion.
	SerialMouseIntervalMs = 16

	// Retained for a future relative-fallback mouse sync policy; the current
	// behaviour always issues an absolute set on server mouse moves.
	MouseSyncMargin = 100
)
