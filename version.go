// Package splitio carries SDK-wide identity shared by clients, telemetry
// and metadata headers.
package splitio

// Version is the SDK version reported to the backend on every request.
const Version = "6.7.0"
