// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value; the zero value is a safe no-op so
// libraries never need nil checks. The Service variant supports swapping
// sinks and levels at runtime (console and/or append-only file).
package logx
