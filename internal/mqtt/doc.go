// Package mqtt forwards toolwire events to an MQTT broker and publishes
// a small set of Home Assistant discovery sensors describing the
// gateway (uptime, version, ready servers, invocations today).
//
// Every bus event is published (QoS 0, not retained) as JSON to
// toolwire/<device>/events/<kind>. The publisher uses Eclipse Paho v2's
// [autopaho] package for connection management with automatic
// reconnection. On every (re-)connect it publishes retained discovery
// configs and a birth message ("online") to the availability topic. A
// will message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
