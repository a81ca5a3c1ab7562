// Package muxsocks implements the core functionality of the MuxSocks proxy.
//
// MuxSocks is a SOCKS5 proxy whose transport hop is multiplexed over a
// single authenticated WebSocket link. It supports forward proxy mode
// (SOCKS5 on the client, egress on the server), reverse proxy mode (SOCKS5
// on the server, egress on provider clients) and agent mode (the server
// relays channels between connector peers and provider peers).
//
// Basic usage:
//
//	import "github.com/muxsocks/muxsocks/muxsocks"
//
//	// Create a server with default options
//	server := muxsocks.NewMuxSocksServer(muxsocks.DefaultServerOption())
//
//	// Add a forward proxy token
//	token, err := server.AddForwardToken("")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Add a reverse proxy token
//	token, port, err := server.AddReverseToken(muxsocks.DefaultReverseTokenOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Start the server
//	if err := server.Serve(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package muxsocks
