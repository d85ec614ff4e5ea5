// Package protocol defines the JSON wire messages exchanged with the eye
// tracker over UDP: live-data datagrams carrying the sensor channels, the
// keepalive messages that hold a stream subscription open, and the multicast
// discovery probe.
package protocol
