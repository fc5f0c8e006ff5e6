package unison

import "testing"

func TestPacketFlagsHasWithWithout(t *testing.T) {
	var f PacketFlags
	f = f.With(FlagCompressed)
	if !f.Has(FlagCompressed) {
		t.Fatalf("expected FlagCompressed to be set")
	}
	f = f.With(FlagRequiresAck)
	if !f.Has(FlagCompressed) || !f.Has(FlagRequiresAck) {
		t.Fatalf("expected both flags set, got %v", f)
	}
	f = f.Without(FlagCompressed)
	if f.Has(FlagCompressed) {
		t.Fatalf("expected FlagCompressed to be cleared")
	}
	if !f.Has(FlagRequiresAck) {
		t.Fatalf("expected FlagRequiresAck to remain set")
	}
}

func TestPacketFlagsHasRequiresAllBits(t *testing.T) {
	f := FlagCompressed
	if f.Has(FlagCompressed | FlagEncrypted) {
		t.Fatalf("Has should require every bit in the argument to be set")
	}
}

func TestPacketFlagsHasReserved(t *testing.T) {
	var f PacketFlags
	if f.HasReserved() {
		t.Fatalf("zero value should have no reserved bits")
	}
	f = PacketFlags(0x0800)
	if !f.HasReserved() {
		t.Fatalf("expected bit 0x0800 to be reserved")
	}
	f = PacketFlags(0x8000)
	if !f.HasReserved() {
		t.Fatalf("expected bit 0x8000 to be reserved")
	}
	if FlagChecksummed.HasReserved() {
		t.Fatalf("FlagChecksummed must not be treated as reserved")
	}
}

func TestPacketFlagsString(t *testing.T) {
	if PacketFlags(0).String() != "none" {
		t.Fatalf("expected \"none\" for zero value, got %q", PacketFlags(0).String())
	}
	got := (FlagCompressed | FlagError).String()
	if got != "COMPRESSED|ERROR" {
		t.Fatalf("unexpected flag string: %q", got)
	}
	if PacketFlags(0x0800).String() != "reserved" {
		t.Fatalf("expected reserved-only flags to stringify as \"reserved\"")
	}
}
