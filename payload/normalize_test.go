package payload

import "testing"

func TestFormatCPF(t *testing.T) {
	cases := map[string]string{
		"123.456.789-09": "123.456.789-09",
		"12345678909":    "123.456.789-09",
		"9":              "000.000.000-09",
		"":               "",
	}
	for in, want := range cases {
		if got := FormatCPF(in); got != want {
			t.Errorf("FormatCPF(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatCNPJ(t *testing.T) {
	got := FormatCNPJ("12345678000195")
	want := "12.345.678/0001-95"
	if got != want {
		t.Errorf("FormatCNPJ = %q, want %q", got, want)
	}
}

func TestToBool(t *testing.T) {
	truthy := []any{"1", "true", "T", "sim", "S", "y", "YES", 1, 1.5}
	for _, v := range truthy {
		if !ToBool(v) {
			t.Errorf("ToBool(%v) = false, want true", v)
		}
	}
	falsy := []any{"0", "no", "", nil, 0, false}
	for _, v := range falsy {
		if ToBool(v) {
			t.Errorf("ToBool(%v) = true, want false", v)
		}
	}
}

func TestToYYYYMMDD(t *testing.T) {
	cases := map[string]string{
		"2024-05-10":          "2024-05-10",
		"2024-05-10 13:04":    "2024-05-10",
		"2024-05-10 13:04:05": "2024-05-10",
		"garbage-long-text!!": "garbage-lo",
		"":                    "",
	}
	for in, want := range cases {
		if got := ToYYYYMMDD(in); got != want {
			t.Errorf("ToYYYYMMDD(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewAddressDefaults(t *testing.T) {
	a := NewAddress("", "", "", "", "", "", "", 0, 0)
	if a.Numero != "SN" || a.Cidade != "NAO INFORMADO" || a.UF != "SC" || a.CEP != "00000000" {
		t.Fatalf("unexpected address defaults: %+v", a)
	}
}
