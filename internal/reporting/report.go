package reporting

// Report is anything the reporter can dump as a structured document.
type Report interface {
	ReportName() string
	DumpReport() ([]byte, error)
}
