// Package api exposes the substrate's external interfaces: action
// submission for the reasoning layer, the redacted event-log export for
// observers, per-principal balance views for operators, and a Prometheus
// metrics endpoint.
package api
