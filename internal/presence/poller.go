package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// FetchFunc retrieves the current membership snapshot for one room.
type FetchFunc func(ctx context.Context) (RoomUsersResponse, error)

// Poller periodically reconciles room membership for clients that are not on
// the push channel, and as a safety net for active members that missed a
// push. A snapshot is applied only when its version is newer than the last
// applied one, so a slow poll response can never roll the view backwards.
type Poller struct {
	Interval time.Duration
	Fetch    FetchFunc
	Apply    func(RoomUsersResponse)

	lastVersion uint64
}

// Run polls until ctx is cancelled. The first poll fires immediately.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	resp, err := p.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("presence poll failed: %v", err)
		}
		return
	}
	// Version 0 means the room does not exist yet; an empty room is only
	// ever reached through leaves, which bump the version.
	if resp.Version <= p.lastVersion {
		return
	}
	p.lastVersion = resp.Version
	if p.Apply != nil {
		p.Apply(resp)
	}
}

// HTTPFetch builds a FetchFunc against the relay's presence endpoint.
func HTTPFetch(client *http.Client, baseURL, roomID string) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/api/rooms/%s/participants", baseURL, roomID)
	return func(ctx context.Context) (RoomUsersResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return RoomUsersResponse{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return RoomUsersResponse{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return RoomUsersResponse{}, fmt.Errorf("presence query returned %s", resp.Status)
		}
		var out RoomUsersResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return RoomUsersResponse{}, fmt.Errorf("presence query decode: %w", err)
		}
		return out, nil
	}
}
