package prescription

import (
	"bytes"
	"html/template"
)

// ValidityDays is how long a printed prescription stays valid
const ValidityDays = 30

var documentTemplate = template.Must(template.New("prescription").Funcs(template.FuncMap{
	"validity": func() int { return ValidityDays },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Prescription - {{.PrescriptionNumber}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
.header { text-align: center; border-bottom: 2px solid #333; padding-bottom: 10px; margin-bottom: 20px; }
.party { display: inline-block; width: 48%; vertical-align: top; }
table { width: 100%; border-collapse: collapse; margin: 10px 0; }
th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
th { background-color: #f2f2f2; }
.footer { margin-top: 30px; text-align: center; font-size: 12px; color: #666; }
</style>
</head>
<body>
<div class="header">
<h1>HOSPITAL PRESCRIPTION</h1>
<h2>Prescription #{{.PrescriptionNumber}}</h2>
</div>
<div class="info">
<div class="party">
<h3>Patient Information</h3>
<p><strong>Name:</strong> {{or .PatientName "N/A"}}</p>
<p><strong>Date:</strong> {{.PrescriptionDate.Format "2006-01-02"}}</p>
</div>
<div class="party">
<h3>Doctor Information</h3>
<p><strong>Name:</strong> {{or .DoctorName "N/A"}}</p>
<p><strong>Specialty:</strong> {{.DoctorSpecialty}}</p>
{{- if .LicenseNumber}}
<p><strong>License:</strong> {{.LicenseNumber}}</p>
{{- end}}
</div>
</div>
<div class="diagnosis">
<h3>Diagnosis</h3>
<p>{{.Diagnosis}}</p>
</div>
<div class="symptoms">
<h3>Symptoms</h3>
<p>{{.Symptoms}}</p>
</div>
{{- if .Medicines}}
<div class="medicines">
<h3>Medicines</h3>
<table>
<tr><th>Medicine</th><th>Dosage</th><th>Frequency</th><th>Duration</th><th>Instructions</th></tr>
{{- range .Medicines}}
<tr><td>{{.MedicineName}}</td><td>{{.Dosage}}</td><td>{{.Frequency}}</td><td>{{.Duration}}</td><td>{{.Instructions}}</td></tr>
{{- end}}
</table>
</div>
{{- end}}
{{- if .Tests}}
<div class="tests">
<h3>Pathology Tests</h3>
<table>
<tr><th>Test Name</th><th>Urgency</th><th>Instructions</th></tr>
{{- range .Tests}}
<tr><td>{{.TestName}}</td><td>{{.Urgency}}</td><td>{{.Instructions}}</td></tr>
{{- end}}
</table>
</div>
{{- end}}
{{- if .Notes}}
<div class="notes">
<h3>Additional Notes</h3>
<p>{{.Notes}}</p>
</div>
{{- end}}
{{- if .FollowUpDate}}
<div class="follow-up">
<h3>Follow-up Date</h3>
<p>{{.FollowUpDate}}</p>
</div>
{{- end}}
<div class="footer">
<p>This prescription is valid for {{validity}} days from the date of issue.</p>
<p>Generated on {{.UpdatedAt.Format "2006-01-02 15:04:05"}}</p>
</div>
</body>
</html>
`))

// Render produces the printable HTML document of p. Every field is escaped.
func Render(p *Prescription) ([]byte, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
