// Package storage persists the relay's durable state:
//   - the recipient set (direct-message subscribers)
//   - the community directory (groups the bot is in, and their named channels)
//
// Two drivers are available: "sqlite" (default) and "file"
// (JSON snapshot + append-only journal).
package storage
