// Package network provides low-level socket options shared by the UDP
// transport and the REST API listener.
package network
