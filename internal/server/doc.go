// Package server runs the public listeners of the shell.
//
// Architecture:
//   - RouteProvider: components implement this to contribute routes
//   - Manager: owns one gin engine and the HTTP and HTTPS servers on top of it
//   - Fallback: every request no provider claims goes to the worker proxy
package server

// Layout:
//
//   :port   HTTP   /-tdevmgmt-/...  management protocol (mgmt.Handler)
//                  everything else  worker proxy (proxy.Proxy)
//   :443    HTTPS  same router, certificate chosen by SNI (tlsconf.Selector)
//
// HTTPS is only started when the shell found certificates at startup.
// Later certificate refreshes swap the selector registry in place, the
// listener itself is never restarted.
//
// Usage:
//
//   mgr := server.NewManager(&server.ServerConfig{
//       HTTPAddress:  "127.0.0.1:4242",
//       HTTPSAddress: ":443",
//       TLS:          selector.ServerConfig(tlsconf.NewSessionCache(1024)),
//   }, proxy, logger)
//   mgr.AddProvider(mgmtHandler)
//   if err := mgr.Start(ctx); err != nil { ... }
//   defer mgr.Shutdown(ctx)
