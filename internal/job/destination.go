package job

import (
	"net/url"
	"strings"
)

// DestinationKind is the transport family of a publish target. Each kind owns
// its output arguments, so supporting a new transport means adding a kind
// rather than another prefix check.
type DestinationKind int

const (
	KindUnknown DestinationKind = iota
	// KindPlain is a plain RTMP endpoint.
	KindPlain
	// KindSecure is an RTMP endpoint behind TLS.
	KindSecure
	// KindSRT is a Secure Reliable Transport listener.
	KindSRT
)

var kindsByScheme = map[string]DestinationKind{
	"rtmp":  KindPlain,
	"rtmps": KindSecure,
	"srt":   KindSRT,
}

// KindOf maps a destination locator to its kind by scheme.
func KindOf(locator string) DestinationKind {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return KindUnknown
	}
	if kind, ok := kindsByScheme[strings.ToLower(u.Scheme)]; ok {
		return kind
	}
	return KindUnknown
}

func (k DestinationKind) String() string {
	switch k {
	case KindPlain:
		return "rtmp"
	case KindSecure:
		return "rtmps"
	case KindSRT:
		return "srt"
	default:
		return "unknown"
	}
}

// OutputArgs returns the muxer and target arguments that end an ffmpeg
// invocation publishing to destination.
func (k DestinationKind) OutputArgs(destination string) []string {
	switch k {
	case KindSecure:
		// The transcoder only completes the RTMPS handshake when the locator is
		// given as both the connect URL and the play path.
		return []string{
			"-f", "flv",
			"-rtmp_tcurl", destination,
			"-rtmp_playpath", destination,
			destination,
		}
	case KindSRT:
		return []string{"-f", "mpegts", destination}
	default:
		return []string{"-f", "flv", destination}
	}
}
