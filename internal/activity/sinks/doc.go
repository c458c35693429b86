// Package sinks contains activity.Sink implementations.
package sinks
