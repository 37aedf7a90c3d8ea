// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/agentlink/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.PacketStore = (*PacketLog)(nil)
var _ types.KVStore = (*FileStore)(nil)
var _ types.KVStore = (*MemoryStore)(nil)
