// Package policy evaluates Open Policy Agent (OPA) Rego policies against
// incoming API requests.
//
// RequestPolicy plugs into the controller's checkRequest switch: the request
// snapshot is turned into a Rego input document, evaluated by an embedded
// Engine, and a block decision turns the request away. Evaluation errors fail
// closed unless the policy is configured to fail open.
package policy
