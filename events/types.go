package events

import "time"

// Channel names as the remote trip-detection service knows them, before
// prefixing. Outbound channels carry events produced by this process; inbound
// channels carry events derived by the service.
const (
	ChannelPositionNew     = "position:new"
	ChannelIgnitionChanged = "ignition:changed"

	ChannelTrackerStateChanged = "tracker:state:changed"
	ChannelTripStarted         = "trip:started"
	ChannelTripCompleted       = "trip:completed"
	ChannelStopStarted         = "stop:started"
	ChannelStopCompleted       = "stop:completed"
	ChannelPositionRejected    = "position:rejected"
)

// DefaultChannelPrefix must match the prefix the remote service runs with,
// or messages land in an unreachable namespace.
const DefaultChannelPrefix = "tripd:"

// InboundChannels lists every channel the service publishes on.
func InboundChannels() []string {
	return []string{
		ChannelTrackerStateChanged,
		ChannelTripStarted,
		ChannelTripCompleted,
		ChannelStopStarted,
		ChannelStopCompleted,
		ChannelPositionRejected,
	}
}

// Position is a GPS fix reported by a device. Timestamp is unix milliseconds.
type Position struct {
	DeviceID   string                 `json:"deviceId"`
	Timestamp  int64                  `json:"timestamp"`
	Latitude   float64                `json:"latitude"`
	Longitude  float64                `json:"longitude"`
	Speed      float64                `json:"speed"`
	Ignition   *bool                  `json:"ignition,omitempty"`
	Altitude   *float64               `json:"altitude,omitempty"`
	Heading    *float64               `json:"heading,omitempty"`
	Accuracy   *float64               `json:"accuracy,omitempty"`
	Satellites *int                   `json:"satellites,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Ignition reports an ignition on/off transition.
type Ignition struct {
	DeviceID  string  `json:"deviceId"`
	Timestamp int64   `json:"timestamp"`
	Ignition  bool    `json:"ignition"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GeoPoint is a bare coordinate pair used inside derived events.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// The shapes below mirror what the service emits on the inbound channels.
// The SDK routes payloads by channel and does not validate these; they are
// provided so callers can unmarshal into something typed.

// StateChanged is emitted on tracker:state:changed.
type StateChanged struct {
	DeviceID      string                 `json:"deviceId"`
	PreviousState string                 `json:"previousState"`
	NewState      string                 `json:"newState"`
	Timestamp     int64                  `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// TripStarted is emitted on trip:started.
type TripStarted struct {
	TripID        string                 `json:"tripId"`
	DeviceID      string                 `json:"deviceId"`
	StartTime     int64                  `json:"startTime"`
	StartPosition GeoPoint               `json:"startPosition"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// TripCompleted is emitted on trip:completed.
type TripCompleted struct {
	TripID          string                 `json:"tripId"`
	DeviceID        string                 `json:"deviceId"`
	StartTime       int64                  `json:"startTime"`
	EndTime         int64                  `json:"endTime"`
	StartPosition   GeoPoint               `json:"startPosition"`
	EndPosition     GeoPoint               `json:"endPosition"`
	DistanceMeters  float64                `json:"distanceMeters"`
	DurationSeconds float64                `json:"durationSeconds"`
	AverageSpeed    float64                `json:"averageSpeed"`
	MaxSpeed        float64                `json:"maxSpeed"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// StopStarted is emitted on stop:started.
type StopStarted struct {
	StopID    string                 `json:"stopId"`
	DeviceID  string                 `json:"deviceId"`
	StartTime int64                  `json:"startTime"`
	Position  GeoPoint               `json:"position"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// StopCompleted is emitted on stop:completed.
type StopCompleted struct {
	StopID          string                 `json:"stopId"`
	DeviceID        string                 `json:"deviceId"`
	StartTime       int64                  `json:"startTime"`
	EndTime         int64                  `json:"endTime"`
	Position        GeoPoint               `json:"position"`
	DurationSeconds float64                `json:"durationSeconds"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// PositionRejected is emitted on position:rejected when the service refuses
// a position (stale fix, out-of-range coordinates, duplicate, ...).
type PositionRejected struct {
	DeviceID string    `json:"deviceId"`
	Reason   string    `json:"reason"`
	Position *Position `json:"position,omitempty"`
}

// NewPosition builds a minimal position stamped with the given time.
func NewPosition(deviceID string, ts time.Time, lat, lon, speed float64) Position {
	return Position{
		DeviceID:  deviceID,
		Timestamp: ts.UnixMilli(),
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
	}
}
