// Package request turns an incoming *http.Request into the typed,
// read-only domain.RequestContext consumed by controllers.
//
// Accessors read exactly one ambient value each. Parameter extraction follows
// a fixed content negotiation policy:
//
//	GET                                   query string → map[string]any (never nil)
//	POST  multipart/form-data             multipart form values
//	POST  application/x-www-form-urlencoded  urlencoded form values
//	POST  anything else                   JSON-decoded raw body
//	other methods                         nil
package request
