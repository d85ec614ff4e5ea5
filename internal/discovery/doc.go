// Package discovery locates an eye tracker on the local network by probing
// the IPv6 link-local all-nodes multicast group on every usable interface.
package discovery
