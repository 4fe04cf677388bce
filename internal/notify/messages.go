package notify

import "fmt"

// QuotaInsufficient builds the subject and body for a quota denial.
func QuotaInsufficient(filename string, needed, remaining int) (subject, body string) {
	subject = "Print job could not be completed"
	body = fmt.Sprintf(
		"Hello,\n\n"+
			"Your recent print request could not be completed because your remaining "+
			"PrintBox quota is insufficient.\n\n"+
			"Document: %s\n"+
			"Pages requested: %d\n"+
			"Pages remaining: %d\n\n"+
			"Please contact your administrator to request additional quota.\n\n"+
			"— PrintBox",
		filename, needed, remaining,
	)
	return subject, body
}

// PrinterUnavailable builds the subject and body sent when the printer
// cannot accept jobs.
func PrinterUnavailable(printerName string) (subject, body string) {
	subject = "Printer currently unavailable"
	body = fmt.Sprintf(
		"Hello,\n\n"+
			"Your print request was received, but the printer %q is currently "+
			"unavailable. Your email has not been processed; please resend it "+
			"once the printer is back online.\n\n"+
			"— PrintBox",
		printerName,
	)
	return subject, body
}
