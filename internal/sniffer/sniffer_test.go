package sniffer

import (
	"encoding/binary"
	"testing"
)

func imeiPacket(imei string) []byte {
	out := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	copy(out[2:], imei)
	return out
}

func TestClassifyTeltonika(t *testing.T) {
	got := Classify(imeiPacket("352094087456789"))
	if got != Teltonika {
		t.Fatalf("got %v, want teltonika", got)
	}
}

func TestClassifyTFMS90(t *testing.T) {
	got := Classify([]byte("$,0,LG,000,867762040399039,2.0.1,8997,#?"))
	if got != TFMS90 {
		t.Fatalf("got %v, want tfms90", got)
	}
}

func TestClassifyUnknown(t *testing.T) {
	got := Classify([]byte("garbage"))
	if got != Unknown {
		t.Fatalf("got %v, want unknown", got)
	}
}

func TestClassifyNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x00},
		[]byte("$"),
		[]byte(","),
		make([]byte, 3),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Classify panicked on %v: %v", in, r)
				}
			}()
			Classify(in)
		}()
	}
}
