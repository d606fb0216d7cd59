package payload

import (
	"strconv"

	"github.com/ats-log/hr-sync-bridge/source"
)

// PayloadVersion is stamped on every event emitted by this build.
const PayloadVersion = "1"

// BuildEmployee maps a source row to the canonical employee payload.
// Requires non-empty {cpf, name, admissionDate}; returns ok=false to signal
// the row should be dropped (§4.2).
func BuildEmployee(row source.EmployeeRow) (payload map[string]any, ok bool) {
	cpf := FormatCPF(row.CPF)
	admission := ToYYYYMMDD(row.AdmissionDate)
	if cpf == "" || row.Name == "" || admission == "" {
		return nil, false
	}

	addr := NewAddress(
		row.Address.Rua, row.Address.Numero, row.Address.Complemento, row.Address.Bairro,
		row.Address.Cidade, row.Address.UF, row.Address.CEP, row.Address.Latitude, row.Address.Longitude,
	)

	return map[string]any{
		"cpf":            cpf,
		"nome":           row.Name,
		"datanascimento": ToYYYYMMDD(row.BirthDate),
		"genero":         ToGender(row.Gender),
		"endereco":       addr.ToMap(),
		"dataadmissao":   admission,
		"matricula":      row.Matricula,
	}, true
}

// BuildLeave maps a source row to the canonical leave-of-absence payload.
// Requires non-empty {leaveDate, sourceId} (§4.2).
func BuildLeave(row source.LeaveRow) (payload map[string]any, ok bool) {
	leaveDate := ToYYYYMMDD(row.LeaveDate)
	if leaveDate == "" || row.SourceID == 0 {
		return nil, false
	}

	return map[string]any{
		"numerodaempresa":              row.CompanyID,
		"tipodecolaborador":            row.EmployeeType,
		"numerodeorigemdocolaborador":  row.SourceID,
		"cpf":                          FormatCPF(row.CPF),
		"descricao":                    row.Description,
		"descricaodasituacao":          row.SituationDescription,
		"datainicio":                   ToYYYYMMDD(row.StartDate),
		"dataafastamento":              leaveDate,
		"horadoafastamento":            row.LeaveTime,
		"datatermino":                  ToYYYYMMDD(row.EndDate),
		"horadotermino":                row.EndTime,
		"situacao":                     strconv.FormatInt(row.Situation, 10),
		"rescisao":                     ToBool(row.Rescisao),
	}, true
}
