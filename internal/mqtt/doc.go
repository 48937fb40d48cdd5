// Package mqtt delivers proactive suggestions to an MQTT broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message moves that topic to "offline" on
// unexpected disconnects. Each daily check is published as one JSON
// document to <prefix>/users/<user>/suggestions so that phones, home
// hubs or dashboards can surface it.
package mqtt
