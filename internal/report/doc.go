// Package report defines the domain types, events, and collaborator interfaces
// shared by the admission, orchestration, and storage subsystems.
package report
