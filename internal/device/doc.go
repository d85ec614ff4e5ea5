// Package device implements the HTTP control-plane client for the eye
// tracker: system status and configuration, projects, participants,
// recordings, calibrations, events and the blocking wait-for-status
// polling used during session setup and lifecycle transitions.
package device
