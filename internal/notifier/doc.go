// Package notifier posts station announcements ("Now playing", "New
// track") to a chat.
//
// Messages go through an async pipeline: a bounded queue, a worker pool, a
// token bucket rate limit, retries with jittered backoff and a dedup window
// that can be persisted across restarts. Delivery is delegated to a
// transport.Adapter (the Telegram adapter in production). A full queue drops
// the message; nothing here ever blocks a streaming station.
//
// # History
//
// The service keeps the last few hundred delivered messages in memory;
// Recent returns them and the HTTP API serves them at /notifications.
package notifier
