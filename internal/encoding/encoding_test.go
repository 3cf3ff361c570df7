package encoding

import (
	"errors"
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
	}{
		{"simple", []float32{1.0, 2.5, -3.75}},
		{"empty", []float32{}},
		{"single", []float32{0.123456}},
		{"negative zero", []float32{float32(math.Copysign(0, -1))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeVector(tt.vector)
			if err != nil {
				t.Fatalf("EncodeVector: %v", err)
			}
			got, err := DecodeVector(data)
			if err != nil {
				t.Fatalf("DecodeVector: %v", err)
			}
			if len(got) != len(tt.vector) {
				t.Fatalf("length = %d, want %d", len(got), len(tt.vector))
			}
			for i := range got {
				if got[i] != tt.vector[i] {
					t.Errorf("component %d = %v, want %v", i, got[i], tt.vector[i])
				}
			}
		})
	}
}

func TestEncodeVectorNil(t *testing.T) {
	if _, err := EncodeVector(nil); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("expected ErrInvalidVector, got %v", err)
	}
}

func TestDecodeVectorCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2}},
		{"truncated payload", []byte{2, 0, 0, 0, 1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeVector(tt.data); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestValidateVector(t *testing.T) {
	if err := ValidateVector([]float32{1, 2}); err != nil {
		t.Errorf("finite vector rejected: %v", err)
	}
	if err := ValidateVector(nil); err == nil {
		t.Error("nil vector accepted")
	}
	if err := ValidateVector([]float32{float32(math.NaN())}); err == nil {
		t.Error("NaN accepted")
	}
	if err := ValidateVector([]float32{float32(math.Inf(1))}); err == nil {
		t.Error("Inf accepted")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := map[string]any{"category": "work", "priority": float64(3)}
	s, err := EncodeMetadata(meta)
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	got, err := DecodeMetadata(s)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if got["category"] != "work" || got["priority"] != float64(3) {
		t.Errorf("round trip mismatch: %v", got)
	}

	s, err = EncodeMetadata(nil)
	if err != nil || s != "" {
		t.Errorf("nil metadata should encode to empty string, got %q, %v", s, err)
	}
	if m, err := DecodeMetadata(""); err != nil || m != nil {
		t.Errorf("empty string should decode to nil, got %v, %v", m, err)
	}
}

func TestStringsRoundTrip(t *testing.T) {
	got, err := EncodeStrings([]string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EncodeStrings: %v", err)
	}
	values, err := DecodeStrings(got)
	if err != nil {
		t.Fatalf("DecodeStrings: %v", err)
	}
	if len(values) != 2 || values[0] != "alpha" || values[1] != "beta" {
		t.Errorf("round trip mismatch: %v", values)
	}
}
