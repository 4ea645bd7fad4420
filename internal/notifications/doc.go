// Package notifications sends run completion notices.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set.
package notifications
