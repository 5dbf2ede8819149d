// Package memory provides an in-process checkpoint store for tests and the CLI's default backend.
package memory
