package redis

import "time"

// Redis namespaces defines the top-level key prefixes for different types of data
const (
	NamespaceCache   = "cache"   // For general caching
	NamespaceSession = "session" // For live connection state
	NamespaceQueue   = "queue"   // For store-and-forward queues
)

// Redis contexts defines the second-level key prefixes for specific domains
const (
	ContextPresence     = "presence"     // Connection handles and process liveness
	ContextUser         = "user"         // User status
	ContextConversation = "conversation" // Room membership mirror
	ContextNotification = "notification" // Pending user-targeted events
)

// Pub/sub channels outside the structural event catalogue.
const (
	ChannelRoomBroadcast = "room_broadcast"
	ChannelUserStatus    = "user_status"
)

// DLQStream receives payloads that could not be decoded.
const DLQStream = "event_dlq"

// TTL constants defines the time-to-live durations for different types of data
const (
	TTLPendingQueue     = 7 * 24 * time.Hour // Offline event retention
	TTLProcessHeartbeat = 90 * time.Second   // Process liveness
	TTLUserStatus       = 24 * time.Hour     // Last published status
)
