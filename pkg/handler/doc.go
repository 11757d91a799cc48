// Package handler implements the base controller lifecycle shared by every
// API endpoint.
//
// For each request the handler snapshots the ambient request state, resolves
// the endpoint's HandlerConfig, runs the authorization gate and the endpoint
// Authorizer, maps the parameters onto the endpoint body (Work) and finally
// calls the endpoint. Every exit writes a JSON Result. Exceptions returned or
// raised by endpoints are reported through an exception.Reporter.
package handler
