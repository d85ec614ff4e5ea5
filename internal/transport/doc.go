// Package transport opens the UDP sockets used to talk to the device. It
// resolves the address family from the peer address and optionally scopes a
// socket to a named network interface.
package transport
