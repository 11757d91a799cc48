// Package governance provides the request and method policies behind the
// controller's checkRequest and checkMethod switches: per-client token bucket
// rate limiting and per-route HTTP method allow-lists.
package governance
