package server

import (
	"encoding/json"

	"github.com/dustin/go-humanize"

	"keepsake/internal/domain"
)

// Request payloads

type ReorderRequest struct {
	Positions string `json:"positions" minLength:"1" example:"1,3-5" doc:"1-based positions and ranges"`
	To        string `json:"to" minLength:"1" example:"top" doc:"top, bottom or a 1-based position"`
}

type DequeueRequest struct {
	Positions string `json:"positions" minLength:"1" example:"2-4"`
}

type PoolSizeRequest struct {
	Size int `json:"size" minimum:"0"`
}

// Response payloads

type DeviceResponse struct {
	domain.Device
	FreeBytes *uint64 `json:"free_bytes,omitempty"`
	Free      string  `json:"free,omitempty"`
}

type QueueNamesResponse struct {
	Pending []string `json:"pending"`
}

type DequeueResponse struct {
	Removed []string `json:"removed"`
}

type ClearResponse struct {
	Cleared int `json:"cleared"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	Subject     string   `json:"subject"`
	Source      string   `json:"source" enum:"jwt,api_key"`
	Permissions []string `json:"permissions"`
}

func deviceResponse(d domain.Device, freeSpace FreeSpaceFunc) DeviceResponse {
	resp := DeviceResponse{Device: d}
	if freeSpace == nil {
		return resp
	}
	if free, err := freeSpace(d.MountPath); err == nil {
		resp.FreeBytes = &free
		resp.Free = humanize.IBytes(free)
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
