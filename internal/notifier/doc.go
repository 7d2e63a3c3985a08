// Package notifier delivers forecast messages to chats.
//
// Send is synchronous: the delivery loop needs each recipient's outcome
// before it may touch that recipient's schedule. The service throttles with a
// token bucket, retries only failures the transport marks as safe to repeat,
// and converts panics inside the transport into errors.
//
// A bounded in-memory history of recent sends is kept for operator visibility.
package notifier
