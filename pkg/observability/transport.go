package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstrumentRoundTripper wraps next so every outgoing request updates
// HTTPInFlight, HTTPRequestsTotal and HTTPRequestDuration. A nil next means
// http.DefaultTransport.
//
// Duration is measured to response headers, so for a stream it reports the
// time to first byte, not the length of the stream.
func InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperInFlight(HTTPInFlight,
		promhttp.InstrumentRoundTripperCounter(HTTPRequestsTotal,
			promhttp.InstrumentRoundTripperDuration(HTTPRequestDuration, next),
		),
	)
}
