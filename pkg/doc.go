/*
Package proksi wires the route table to the network: the plain HTTP
listener, the TLS front that either terminates or passes connections
through, and the reverse proxy handler shared by both.

# Request flow

Every request is checked against the client ACLs, matched to a route by its
Host header, filtered by the route's path patterns and plugins, and sent to
the next healthy backend of the route:

	client -> ACL -> route(Host) -> path match -> plugins -> headers -> backend

Failures map to status codes:

	403  rejected by an ACL
	404  unknown host, or a path outside the route patterns
	502  no healthy backend, or the backend failed

# TLS

The HTTPS listener peeks at the ClientHello. Connections whose SNI belongs
to a route with tls_passthrough are forwarded untouched to one of the route
backends. Everything else is terminated with the certificate of the route,
see package certs, and served by the same handler as plain HTTP.
*/
package proksi
