package s7

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input      string
		wantErr    bool
		wantArea   Area
		wantWL     WordLen
		wantStart  uint
		wantBit    uint
		wantAmount uint
	}{
		// V (DB) addresses
		{"VW1984", false, AreaDB, WordLenWord, 1984, 0, 1},
		{"VD200", false, AreaDB, WordLenReal, 200, 0, 1},
		{"VB2978", false, AreaDB, WordLenByte, 2978, 0, 1},
		{"VB2978.20", false, AreaDB, WordLenByte, 2978, 0, 20}, // string of 20 bytes
		{"V255.3", false, AreaDB, WordLenBit, 255, 3, 1},

		// Inputs / Outputs
		{"I0.0", false, AreaInputs, WordLenBit, 0, 0, 1},
		{"E1.7", false, AreaInputs, WordLenBit, 1, 7, 1},
		{"Q0.0", false, AreaOutputs, WordLenBit, 0, 0, 1},
		{"A2.1", false, AreaOutputs, WordLenBit, 2, 1, 1},

		// Memory
		{"M10.0", false, AreaMemory, WordLenBit, 10, 0, 1},
		{"F0.5", false, AreaMemory, WordLenBit, 0, 5, 1},
		{"MW2", false, AreaMemory, WordLenWord, 2, 0, 1},

		// Timers / Counters
		{"T0.0", false, AreaTimers, WordLenBit, 0, 0, 1},
		{"C50.0", false, AreaCounters, WordLenBit, 50, 0, 1},

		// Case-insensitivity
		{"vw1984", false, AreaDB, WordLenWord, 1984, 0, 1},

		// Invalid
		{"", true, 0, 0, 0, 0, 0},
		{"X", true, 0, 0, 0, 0, 0},
		{"Z", true, 0, 0, 0, 0, 0},
		{"VB2978.0", true, 0, 0, 0, 0, 0},  // amount=0 -> sizeBytes=0, rejected
		{"V255", true, 0, 0, 0, 0, 0},      // bit wordlen requires '.'
		{"G0.0", true, 0, 0, 0, 0, 0},      // unrecognized area
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if d.Area != tt.wantArea {
				t.Errorf("Area = %v, want %v", d.Area, tt.wantArea)
			}
			if d.WordLen != tt.wantWL {
				t.Errorf("WordLen = %v, want %v", d.WordLen, tt.wantWL)
			}
			if d.StartByte != tt.wantStart {
				t.Errorf("StartByte = %v, want %v", d.StartByte, tt.wantStart)
			}
			if d.BitOffset != tt.wantBit {
				t.Errorf("BitOffset = %v, want %v", d.BitOffset, tt.wantBit)
			}
			if d.Amount != tt.wantAmount {
				t.Errorf("Amount = %v, want %v", d.Amount, tt.wantAmount)
			}
		})
	}
}

func TestParseAddressDeterministic(t *testing.T) {
	for _, raw := range []string{"VW100", "V255.3", "MW2", "VB10.5"} {
		a, errA := ParseAddress(raw)
		b, errB := ParseAddress(raw)
		if errA != nil || errB != nil {
			t.Fatalf("unexpected error parsing %q: %v / %v", raw, errA, errB)
		}
		if a != b {
			t.Errorf("ParseAddress(%q) not deterministic: %+v != %+v", raw, a, b)
		}
	}
}

func TestSizeBytes(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"VW100", 2},
		{"VD4", 4},
		{"V255.3", 1},
		{"VB2978.20", 20},
	}
	for _, c := range cases {
		d, err := ParseAddress(c.raw)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", c.raw, err)
		}
		if got := d.SizeBytes(); got != c.want {
			t.Errorf("SizeBytes(%q) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestIsSpecialAddress(t *testing.T) {
	if !IsSpecialAddress("_DEBUGLVL") {
		t.Error("_DEBUGLVL should be special")
	}
	if IsSpecialAddress("VW100") {
		t.Error("VW100 should not be special")
	}
}
