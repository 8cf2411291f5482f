// Package http implements the local HTTP surface of the license gate.
// Handlers are thin: they parse the request, call the license validator and
// render the result, with failures rendered as RFC 7807 problem details.
//
// # Routes
//
//	POST /api/license/validate             validate a token
//	GET  /api/license/usage                usage report for a token
//	POST /api/license/usage                record one query against a token
//	GET  /api/license/features/{feature}   feature gate
//	GET  /api/license/restrictions         restriction gate
//	POST /api/license/inspect              decode a token without verifying it
//	GET  /api/health                       component health
//	GET  /api/health/live                  liveness
//	GET  /api/version                      build version
//
// The token travels in the X-License-Token header. POST endpoints also
// accept it in the JSON body as "token".
package http
