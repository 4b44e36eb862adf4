// Package sniffer classifies the first bytes read from a freshly accepted
// connection, choosing which parser owns the rest of the conversation.
package sniffer

import (
	"encoding/binary"
	"strings"
)

// Protocol is the result of classifying a connection's opening bytes.
type Protocol string

const (
	Teltonika Protocol = "teltonika"
	TFMS90    Protocol = "tfms90"
	Unknown   Protocol = "unknown"
)

// knownMessageTypes is the closed set of TFMS90 message types the sniffer
// recognizes at position 2 of the comma-split frame.
var knownMessageTypes = map[string]bool{
	"LG": true, "TD": true, "TDA": true, "TS": true, "TE": true,
	"HA2": true, "HB2": true, "HC2": true, "OS3": true, "FLF": true,
	"FLD": true, "STAT": true, "FCR": true, "HB": true, "DHR": true,
	"ERR": true, "GEO": true, "DID": true, "TMP": true,
}

// Classify runs the ordered tests from the sniffer algorithm: Teltonika's
// binary length-prefixed IMEI test first (it cannot collide with the ASCII
// '$' prefix), then the TFMS90 text test, else Unknown. It never panics and
// always returns exactly one of the three values.
func Classify(data []byte) Protocol {
	if isTeltonika(data) {
		return Teltonika
	}
	if isTFMS90(data) {
		return TFMS90
	}
	return Unknown
}

func isTeltonika(data []byte) bool {
	if len(data) < 17 {
		return false
	}
	length := binary.BigEndian.Uint16(data[0:2])
	if length < 10 || length > 20 {
		return false
	}
	end := 2 + int(length)
	if end > len(data) {
		return false
	}
	for _, b := range data[2:end] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

func isTFMS90(data []byte) bool {
	s := strings.TrimRight(string(data), "\r\n")
	if !strings.HasPrefix(s, "$") {
		return false
	}
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return false
	}
	return knownMessageTypes[parts[2]]
}
