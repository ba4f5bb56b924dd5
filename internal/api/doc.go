// Package api provides the upstream REST client used when a price is not
// available from the stream.
//
// Endpoint:
//   - GET {rest_url}/events.json?events=Trade&symbols=FTSE
//
// Requests carry HTTP basic auth with the same credentials used by the
// streaming handshake.
package api
