package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/lvidal/printbox/internal/model"
)

// defaultFilename names attachments whose part carried no filename.
const defaultFilename = "document.pdf"

// ExtractJob parses raw RFC 5322 message bytes into a Job: the
// lowercased envelope-from address, the decoded subject, and one
// Document per PDF part in MIME order. A part counts as a PDF when its
// content type is application/pdf or when it is an attachment whose
// filename ends in .pdf, case-insensitive. No quota or printer logic
// happens here.
func ExtractJob(raw []byte) (*model.Job, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	job := &model.Job{
		Sender:  senderAddress(mr.Header),
		Subject: decodeSubject(mr.Header),
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part skips the rest of the message but
			// keeps whatever was already extracted.
			break
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			if !isPDF(contentType, filename) {
				continue
			}

			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			job.Documents = append(job.Documents, model.Document{
				Filename: cleanFilename(filename),
				Data:     data,
			})

		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			if contentType != "application/pdf" {
				continue
			}

			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			job.Documents = append(job.Documents, model.Document{
				Filename: cleanFilename(params["name"]),
				Data:     data,
			})
		}
	}

	return job, nil
}

// senderAddress returns the lowercased envelope-from address, or ""
// when the header is unparseable.
func senderAddress(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return strings.ToLower(addrs[0].Address)
}

// decodeSubject decodes the subject best-effort: encoded words become
// UTF-8, invalid bytes are replaced, and a decoding failure falls back
// to the raw header value.
func decodeSubject(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	return strings.ToValidUTF8(subject, "�")
}

// isPDF accepts a part with a declared PDF content type or a .pdf
// filename.
func isPDF(contentType, filename string) bool {
	if contentType == "application/pdf" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

// cleanFilename strips path separators, replaces invalid bytes, and
// defaults empty names.
func cleanFilename(name string) string {
	name = strings.ToValidUTF8(name, "�")
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return defaultFilename
	}
	return name
}
