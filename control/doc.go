// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics, cancellation, and debug introspection.
//
// Provides concurrent-safe control primitives:
//   - Typed yaml configuration with defaults and validation
//   - Atomic counter/gauge metrics with snapshot export
//   - The cancellation registry external control paths flip
//   - Debug probe registration and state dump
package control
