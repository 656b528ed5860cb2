// Package httpcommon holds small HTTP helpers shared by the v2 and legacy
// protocol adapters.
package httpcommon

import "net/http"

// NoCacheHeaders sets the three response headers git's smart HTTP clients
// require on every dumb/smart ref-advertisement and service response, per
// spec §4.7.
func NoCacheHeaders(h http.Header) {
	h.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}
