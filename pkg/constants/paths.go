package constants

// HTTP/WS route paths, per spec §6.1/§6.2.
const (
	PathHealth = "/health"
	PathReady  = "/ready"
	PathWS     = "/ws"

	PathRooms         = "/api/rooms"
	PathRoom          = "/api/rooms/:id"
	PathRoomExists    = "/api/rooms/:id/exists"
	PathRoomSnapshots = "/api/rooms/:id/snapshots"
	PathStats         = "/api/stats"
)
