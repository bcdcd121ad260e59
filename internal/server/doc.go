// Package server implements the UDP receiver for TLV packets and the HTTP
// monitoring API. The receiver follows one audio stream at a time and
// hands its payloads to the ingress queue in arrival order.
package server
