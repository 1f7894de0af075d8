package platform

import "context"

// StaticConnections is a ConnectionSource backed by per-platform credentials
// resolved once at startup (config values or environment variables). It is
// user-agnostic: every user of a platform shares the engine's credentials.
// Deployments with per-user OAuth tokens plug in their own ConnectionSource.
type StaticConnections map[string]Connection

func (s StaticConnections) Connection(_ context.Context, _ string, platform string) (Connection, bool, error) {
	c, ok := s[platform]
	return c, ok, nil
}
