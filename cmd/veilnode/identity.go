package main

import (
	"crypto/sha256"
	"io"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// deviceEntropy fingerprints the local machine (serial/MAC addresses/
// hostname) the way the teacher's fingerprint.go derived a fully
// device-bound node identity. Here it only supplies extra HKDF salt
// material mixed with crypto/rand output in generateSecrets, binding a
// freshly generated identity to its host machine without making the
// identity reproducible from hardware alone.
func deviceEntropy() []byte {
	host, _ := os.Hostname()
	parts := []string{runtime.GOOS, host, trySerial()}
	parts = append(parts, allMACs()...)
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return h[:]
}

func trySerial() string {
	if s := os.Getenv("VEILNET_DEVICE_SN"); s != "" {
		return s
	}
	if runtime.GOOS == "linux" {
		paths := []string{
			"/sys/class/dmi/id/product_uuid",
			"/sys/class/dmi/id/board_serial",
			"/sys/devices/virtual/dmi/id/product_uuid",
		}
		for _, p := range paths {
			if b, err := os.ReadFile(p); err == nil {
				s := strings.TrimSpace(string(b))
				if s != "" && s != "None" {
					return s
				}
			}
		}
	}
	return ""
}

func allMACs() []string {
	ifs, _ := net.Interfaces()
	var macs []string
	for _, i := range ifs {
		if i.Flags&net.FlagLoopback != 0 {
			continue
		}
		m := i.HardwareAddr.String()
		if m == "" {
			continue
		}
		macs = append(macs, strings.ToLower(m))
	}
	sort.Strings(macs)
	return macs
}

// bindToDevice mixes device entropy into seed via HKDF, returning a new
// 32-byte seed. seed itself must already be cryptographically random;
// this only ties the final secret to the host it was generated on.
func bindToDevice(seed [32]byte) [32]byte {
	hk := hkdf.New(sha256.New, seed[:], deviceEntropy(), []byte("veilnet-device-bind"))
	var out [32]byte
	io.ReadFull(hk, out[:])
	return out
}
