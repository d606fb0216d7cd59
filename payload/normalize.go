// Package payload builds canonical output payloads from source rows and
// normalizes field formats (CPF/CNPJ, dates, booleans, address defaults),
// per spec §4.2.
package payload

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// FormatCPF strips value to digits, left-pads to 11, and formats as
// ###.###.###-##. Mirrors original_source Ferramentas/format_cpf.py.
func FormatCPF(value string) string {
	digits := onlyDigits(value)
	if digits == "" {
		return ""
	}
	if len(digits) < 11 {
		digits = zfill(digits, 11)
	}
	if len(digits) == 11 {
		return digits[0:3] + "." + digits[3:6] + "." + digits[6:9] + "-" + digits[9:11]
	}
	return digits
}

// FormatCNPJ strips value to digits, left-pads to 14, and formats as
// ##.###.###/####-##. Supplemental feature (SPEC_FULL.md §9), mirrors
// original_source Ferramentas/format_cnpj.py; not required by any
// employee/leave invariant, and not called by BuildEmployee or BuildLeave.
func FormatCNPJ(value string) string {
	digits := onlyDigits(value)
	if digits == "" {
		return ""
	}
	if len(digits) < 14 {
		digits = zfill(digits, 14)
	}
	if len(digits) == 14 {
		return digits[0:2] + "." + digits[2:5] + "." + digits[5:8] + "/" + digits[8:12] + "-" + digits[12:14]
	}
	return digits
}

// CPFDigits strips value to bare digits with no left-padding, used by the
// mapping transform `cpf_digits` (§4.5).
func CPFDigits(value string) string {
	return onlyDigits(value)
}

func onlyDigits(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func zfill(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ToYYYYMMDD converts value (a time.Time, or a string in one of the known
// layouts) to an ISO-8601 date. Unrecognized strings are sliced to their
// first 10 characters, mirroring original_source
// Ferramentas/to_yyyy_mm_dd.py's fallback.
func ToYYYYMMDD(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case time.Time:
		return v.Format("2006-01-02")
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return ""
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return t.Format("2006-01-02")
			}
		}
		if len(text) > 10 {
			return text[:10]
		}
		return text
	default:
		return ""
	}
}

var truthyStrings = map[string]bool{
	"1": true, "true": true, "t": true, "sim": true, "s": true, "y": true, "yes": true,
}

// ToBool accepts {1,true,t,sim,s,y,yes} case-insensitive, or any non-zero
// number. Mirrors original_source Ferramentas/to_bool.py.
func ToBool(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return truthyStrings[strings.ToLower(strings.TrimSpace(v))]
	default:
		return false
	}
}

// ToGender maps a source gender code to {"M","F","Outro"}.
func ToGender(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "M", "MASCULINO", "1":
		return "M"
	case "F", "FEMININO", "2":
		return "F"
	default:
		return "Outro"
	}
}

// Address is the canonical address shape with stable placeholders when
// source fields are empty (§4.2).
type Address struct {
	Rua          string  `json:"rua"`
	Numero       string  `json:"numero"`
	Complemento  string  `json:"complemento"`
	Bairro       string  `json:"bairro"`
	Cidade       string  `json:"cidade"`
	UF           string  `json:"uf"`
	CEP          string  `json:"cep"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

// NewAddress fills an empty numero, bairro, cidade, uf or cep with a stable
// placeholder; rua, complemento and the coordinates are kept as given.
func NewAddress(rua, numero, complemento, bairro, cidade, uf, cep string, lat, lon float64) Address {
	a := Address{
		Rua: rua, Numero: numero, Complemento: complemento, Bairro: bairro,
		Cidade: cidade, UF: strings.ToUpper(uf), CEP: cep, Latitude: lat, Longitude: lon,
	}
	if a.Numero == "" {
		a.Numero = "SN"
	}
	if a.Bairro == "" {
		a.Bairro = "NAO INFORMADO"
	}
	if a.Cidade == "" {
		a.Cidade = "NAO INFORMADO"
	}
	if a.UF == "" {
		a.UF = "SC"
	}
	if a.CEP == "" {
		a.CEP = "00000000"
	}
	return a
}

// ToMap renders Address to a canonical map for hashing/JSON assembly.
func (a Address) ToMap() map[string]any {
	return map[string]any{
		"rua": a.Rua, "numero": a.Numero, "complemento": a.Complemento,
		"bairro": a.Bairro, "cidade": a.Cidade, "uf": a.UF, "cep": a.CEP,
		"latitude": a.Latitude, "longitude": a.Longitude,
	}
}

// ParseFloat tolerates empty input, returning 0.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
