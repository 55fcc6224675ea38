package telemetry

import "maps"

// Event types emitted by the pipeline and the app facade.
const (
	EventLogin        = "login"
	EventLogout       = "logout"
	EventPageView     = "page_view"
	EventGameStart    = "game_start"
	EventGameComplete = "game_complete"
	EventAssetCreated = "asset_created"
)

// TrackPageView records a visit to path.
func (c *Client) TrackPageView(path string) {
	c.Enqueue(EventPageView, map[string]any{"path": path})
}

// TrackGameStart records the start of a game.
func (c *Client) TrackGameStart(gameID string, extra map[string]any) {
	payload := maps.Clone(extra)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["game_id"] = gameID
	c.Enqueue(EventGameStart, payload)
}

// TrackGameEnd records a completed game with its score and the XP it earned.
func (c *Client) TrackGameEnd(gameID string, score float64, xp int64, extra map[string]any) {
	payload := maps.Clone(extra)
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	payload["game_id"] = gameID
	payload["score"] = score
	payload["xp"] = xp
	c.Enqueue(EventGameComplete, payload)
}

// TrackAssetCreated records a user-created asset such as a deck or a quiz.
func (c *Client) TrackAssetCreated(kind, id string) {
	c.Enqueue(EventAssetCreated, map[string]any{"kind": kind, "asset_id": id})
}
