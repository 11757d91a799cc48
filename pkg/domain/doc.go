// Package domain defines the core request, handler and error types shared by
// the API base layer.
//
// This package contains pure data with ZERO external dependencies outside the
// Go standard library. Nothing here performs I/O: request snapshots are built
// by package request, exceptions are reported by package exception, and API
// error results are rendered by package handler.
//
// The dependency direction is always:
//
//	request / handler / exception → domain (CORRECT)
//	domain → request / handler / exception (FORBIDDEN)
package domain
