package model

// Job is one email message's worth of extracted print work: the
// normalized sender, the decoded subject, and every PDF attachment in
// MIME-part order. Jobs live only for the duration of a poll cycle and
// are never persisted.
type Job struct {
	// Sender is the lowercased envelope-from address.
	Sender string

	// Subject is the decoded message subject, best-effort UTF-8.
	Subject string

	// Documents holds the PDF attachments in MIME-part order.
	Documents []Document
}

// HasDocuments reports whether the job carries at least one PDF.
func (j *Job) HasDocuments() bool {
	return len(j.Documents) > 0
}

// Document is a single PDF attachment within a Job.
type Document struct {
	// Filename is the attachment filename, defaulted to
	// "document.pdf" when the part carried none.
	Filename string

	// Data is the decoded attachment payload.
	Data []byte
}
