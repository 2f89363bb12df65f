package skipgraph

// Topology event types
const (
	EventKeyInserted  = "key_inserted"
	EventKeyRemoved   = "key_removed"
	EventRightChanged = "right_changed"
	EventLinkRepaired = "link_repaired"
	EventLinkFailed   = "link_failed"
)

// Broadcaster receives topology events, for example a WebSocket hub.
type Broadcaster interface {
	BroadcastUpdate(update any) error
}

// TopologyEvent describes a routing change at this peer.
type TopologyEvent struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Key       string `json:"key,omitempty"`
	Level     int    `json:"level"`
	Link      string `json:"link,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func (sg *SkipGraph) publish(eventType, key string, level int, link, message string) {
	if sg.broadcaster == nil {
		return
	}
	event := TopologyEvent{
		Type:      eventType,
		PeerID:    sg.peerID,
		Key:       key,
		Level:     level,
		Link:      link,
		Timestamp: sg.clock.Now().Unix(),
		Message:   message,
	}
	if err := sg.broadcaster.BroadcastUpdate(event); err != nil {
		sg.logger.Debug().Err(err).Str("type", eventType).Msg("Failed to broadcast topology event")
	}
}
