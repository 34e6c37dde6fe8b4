package metrics

import "expvar"

var (
	StreamEvents    = expvar.NewInt("stream_events")
	FillsRegistered = expvar.NewInt("fills_registered")
	UnclaimedFills  = expvar.NewInt("unclaimed_fills")
	EventsEmitted   = expvar.NewInt("events_emitted")
	DroppedCommands = expvar.NewInt("dropped_commands")
	HandlerPanics   = expvar.NewInt("handler_panics")
	PollRuns        = expvar.NewInt("poll_runs")
	PollErrors      = expvar.NewInt("poll_errors")
	LoopRestarts    = expvar.NewInt("loop_restarts")
	SnapshotSaves   = expvar.NewInt("snapshot_saves")
	SnapshotLoads   = expvar.NewInt("snapshot_loads")
	SocketSessions  = expvar.NewInt("socket_sessions")

	DebugServerErrors = expvar.NewInt("debug_server_errors")
)
