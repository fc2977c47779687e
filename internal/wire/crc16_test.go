// file: internal/wire/crc16_test.go
package wire

import "testing"

// TestCRC16XModem_KnownVector checks against the standard CRC-16/XMODEM
// check value for the ASCII string "123456789" (0x31C3), the same vector
// used to validate most CRC implementations against each other.
func TestCRC16XModem_KnownVector(t *testing.T) {
	got := crc16XModem([]byte("123456789"))
	want := uint16(0x31C3)
	if got != want {
		t.Fatalf("crc16XModem(%q) = 0x%04X, want 0x%04X", "123456789", got, want)
	}
}
