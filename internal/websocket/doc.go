// Package websocket streams recorded license usage to local dashboards.
//
// The Hub implements license.UsageObserver: every query committed to the
// usage ledger is broadcast to connected clients as a JSON "usage" message.
// Broadcasting never blocks the recording path; a slow client is dropped
// instead.
package websocket
