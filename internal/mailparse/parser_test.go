package mailparse

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
)

const simpleMail = "MIME-Version: 1.0\r\n" +
	"From: Alice Sender <alice@example.com>\r\n" +
	"To: Bob One <bob@example.com>, carol@example.com\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: Hello there\r\n" +
	"Date: Mon, 10 Feb 2026 08:00:00 +0000\r\n" +
	"Message-Id: <msg-1@example.com>\r\n" +
	"X-Mailer: TestMailer/1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body here"

func multipartMail(attachmentSize int) string {
	payload := strings.Repeat("A", attachmentSize)
	return "MIME-Version: 1.0\r\n" +
		"From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: With attachment\r\n" +
		"Date: Mon, 10 Feb 2026 08:00:00 +0000\r\n" +
		"Content-Type: multipart/mixed; boundary=\"B\"\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: multipart/alternative; boundary=\"INNER\"\r\n" +
		"\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"text version\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--INNER--\r\n" +
		"--B\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Id: <att-1@example.com>\r\n" +
		"\r\n" +
		payload + "\r\n" +
		"--B--\r\n"
}

func testParser(maxAttachment int64) *Parser {
	return New(maxAttachment, zap.NewNop())
}

func TestParseSimpleMessage(t *testing.T) {
	raw := []byte(simpleMail)
	got, err := testParser(1 << 20).Parse(raw, "u1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.UID != "u1" {
		t.Errorf("UID = %q", got.UID)
	}
	if got.SizeBytes != int64(len(raw)) {
		t.Errorf("SizeBytes = %d, want %d", got.SizeBytes, len(raw))
	}
	if got.From != "alice@example.com" {
		t.Errorf("From = %q", got.From)
	}
	if got.Subject != "Hello there" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.MessageID != "msg-1@example.com" {
		t.Errorf("MessageID = %q", got.MessageID)
	}
	if got.TextBody != "plain body here" {
		t.Errorf("TextBody = %q", got.TextBody)
	}
	if got.HTMLBody != "" {
		t.Errorf("HTMLBody = %q, want empty", got.HTMLBody)
	}

	wantTo := []Address{
		{Address: "bob@example.com", Name: "Bob One"},
		{Address: "carol@example.com"},
	}
	if len(got.To) != 2 || got.To[0] != wantTo[0] || got.To[1] != wantTo[1] {
		t.Errorf("To = %+v, want %+v", got.To, wantTo)
	}

	if got.ReceivedAt.Year() != 2026 {
		t.Errorf("ReceivedAt = %v, want the Date header value", got.ReceivedAt)
	}

	for _, key := range []string{"from", "to", "cc", "subject"} {
		if key == "subject" {
			// subject is a field, not part of the header allow-list
			if _, ok := got.Headers["subject"]; ok {
				t.Error("subject leaked into exported headers")
			}
			continue
		}
		if got.Headers[key] == "" {
			t.Errorf("exported header %q missing", key)
		}
	}
	if got.Headers["x-mailer"] != "TestMailer/1.0" {
		t.Errorf("x-mailer = %q", got.Headers["x-mailer"])
	}
}

func TestParseMultipartWithAttachment(t *testing.T) {
	got, err := testParser(1<<20).Parse([]byte(multipartMail(100)), "u2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.TextBody != "text version" {
		t.Errorf("TextBody = %q", got.TextBody)
	}
	if got.HTMLBody != "<p>html version</p>" {
		t.Errorf("HTMLBody = %q", got.HTMLBody)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q", att.ContentType)
	}
	if att.SizeBytes != 100 {
		t.Errorf("SizeBytes = %d, want 100", att.SizeBytes)
	}
	if att.ContentID != "att-1@example.com" {
		t.Errorf("ContentID = %q", att.ContentID)
	}
	if len(att.Checksum) != 64 {
		t.Errorf("Checksum = %q, want 64 hex chars", att.Checksum)
	}
	if len(att.Content) != 100 {
		t.Errorf("Content length = %d", len(att.Content))
	}
}

func TestParseOversizeAttachmentDropped(t *testing.T) {
	const cap = 64
	got, err := testParser(cap).Parse([]byte(multipartMail(cap+1)), "u3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.Attachments) != 0 {
		t.Errorf("oversize attachment was kept: %+v", got.Attachments)
	}
	// The record itself still parses.
	if got.TextBody != "text version" {
		t.Errorf("TextBody = %q", got.TextBody)
	}
}

func TestParseAttachmentDefaults(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Content-Type: multipart/mixed; boundary=\"B\"\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Disposition: attachment\r\n" +
		"\r\n" +
		"blob\r\n" +
		"--B--\r\n"
	got, err := testParser(1<<20).Parse([]byte(raw), "u4")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	if got.Attachments[0].Filename != "unnamed" {
		t.Errorf("Filename = %q, want unnamed", got.Attachments[0].Filename)
	}
}

func TestParseMissingFieldsDefaultEmpty(t *testing.T) {
	raw := "From: a@example.com\r\n\r\n"
	got, err := testParser(1<<20).Parse([]byte(raw), "u5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Subject != "" || got.HTMLBody != "" {
		t.Errorf("Subject/HTML not empty: %q %q", got.Subject, got.HTMLBody)
	}
	if len(got.To) != 0 {
		t.Errorf("To = %+v, want empty", got.To)
	}
	if got.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not defaulted")
	}
}

func TestParseHugeHTMLDropped(t *testing.T) {
	huge := strings.Repeat("x", htmlBodyLimit+1)
	raw := fmt.Sprintf("From: a@example.com\r\nContent-Type: text/html\r\n\r\n%s", huge)
	got, err := testParser(1<<20).Parse([]byte(raw), "u6")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.HTMLBody != "" {
		t.Errorf("HTMLBody length = %d, want 0", len(got.HTMLBody))
	}
	if got.SizeBytes != int64(len(raw)) {
		t.Errorf("SizeBytes = %d", got.SizeBytes)
	}
}
