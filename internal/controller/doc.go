// Package controller ties discovery, transport, the control-plane REST
// client and the streaming session together behind one type. A
// Controller represents a connection to a single device: it resolves
// the device address, opens the live-data sockets, waits for the
// device to report ok, and from then on owns the streaming session and
// the sample store.
package controller
