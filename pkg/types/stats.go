package types

import "time"

// Stats is the externally polled snapshot of hub state.
type Stats struct {
	Rooms              int     `json:"rooms"`
	MaxRooms           int     `json:"max_rooms"`
	RoomUtilization    float64 `json:"room_utilization_pct"`
	SupportRequests    int     `json:"support_requests"`
	MaxSupportRequests int     `json:"max_support_requests"`
	SupportUtilization float64 `json:"support_utilization_pct"`
	BufferedMessages   int     `json:"buffered_messages"`
	TypingEntries      int     `json:"typing_entries"`
	Connections        int     `json:"connections"`
	Users              int     `json:"users"`

	MessagesProcessed      int64 `json:"messages_processed"`
	CleanupRuns            int64 `json:"cleanup_runs"`
	CapacityPressureEvents int64 `json:"capacity_pressure_events"`
	RateLimitedEvents      int64 `json:"rate_limited_events"`

	ProcessRSSBytes uint64    `json:"process_rss_bytes,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Utilization returns used/limit as a percentage, 0 when limit is not positive.
func Utilization(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
