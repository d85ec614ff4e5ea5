// Package stream runs a live-data streaming session against the device.
//
// A session owns two or three duties running as goroutines: a keepalive
// duty that periodically re-subscribes the data channel, a receive duty
// that reads datagrams and merges them into the sample store, and an
// optional keepalive duty for the video channel. Duties cooperate
// through a shared streaming flag; a receive timeout ends the session
// from the inside.
package stream
