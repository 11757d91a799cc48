// Package demo holds the example endpoints served by polis-apikit: an index
// endpoint and a small in-memory user API.
package demo
