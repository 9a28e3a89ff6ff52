package persistence

import (
	"encoding/json"
	"fmt"

	"lending-engine/internal/matching"
)

// encodeEvent converts an event to its persisted record
func encodeEvent(event matching.Event) (*EventRecord, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &EventRecord{
		Version:    recordVersion,
		PoolID:     event.PoolID(),
		Sequence:   event.Sequence(),
		Type:       event.EventType(),
		OccurredAt: event.OccurredAt(),
		Payload:    payload,
	}, nil
}

// DecodeEvent deserializes a payload to the concrete event type named by
// eventType
func DecodeEvent(eventType string, payload []byte) (matching.Event, error) {
	var event matching.Event
	switch eventType {
	case "PoolCreated":
		event = &matching.PoolCreatedEvent{}
	case "OrderQueued":
		event = &matching.OrderQueuedEvent{}
	case "PacketsMatched":
		event = &matching.PacketsMatchedEvent{}
	case "OrderModified":
		event = &matching.OrderModifiedEvent{}
	case "OrderDequeued":
		event = &matching.OrderDequeuedEvent{}
	case "InterestClaimed":
		event = &matching.InterestClaimedEvent{}
	case "FNFTWithdrawn":
		event = &matching.FNFTWithdrawnEvent{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", eventType, err)
	}
	return event, nil
}
