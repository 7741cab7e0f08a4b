package report

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"regexp"
	"strings"

	"github.com/mjl-/mox/dsn"
)

// DecodeMIME decodes a full multipart/report bounce. The delivery-status part
// is decoded with mox's DSN decoder, which supplies the per-recipient action
// and status; the remaining fields go through the same field scan as
// ParseDelivery. Status parts mox rejects are handled by the field scan
// alone. One report is returned per recipient.
func DecodeMIME(raw []byte) ([]*DeliveryReport, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid(KindDelivery, "message", err)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		return nil, invalid(KindDelivery, "Content-Type", err)
	}
	if !strings.EqualFold(mediaType, "multipart/report") {
		return nil, invalid(KindDelivery, "Content-Type", fmt.Errorf("unexpected media type %q", mediaType))
	}

	var status, original []byte
	var utf8 bool
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalid(KindDelivery, "multipart", err)
		}
		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch strings.ToLower(ct) {
		case "message/delivery-status", "message/global-delivery-status":
			if status, err = io.ReadAll(part); err != nil {
				return nil, invalid(KindDelivery, "message/delivery-status", err)
			}
			utf8 = strings.EqualFold(ct, "message/global-delivery-status")
		case "message/rfc822", "text/rfc822-headers", "message/global", "message/global-headers":
			original, _ = io.ReadAll(part)
		}
	}
	if status == nil {
		return nil, missing(KindDelivery, "message/delivery-status")
	}

	// mox only reads dates without a day-of-week, which most MTAs emit
	decoded, err := dsn.Decode(bytes.NewReader(stripWeekdays(status)), utf8)
	if err != nil {
		decoded = nil
	}

	groups := splitGroups(string(status))
	if len(groups) < 2 {
		return nil, missing(KindDelivery, "Final-Recipient")
	}
	perMessage, perRecipient := groups[0], groups[1:]

	n := len(perRecipient)
	if decoded != nil && len(decoded.Recipients) < n {
		n = len(decoded.Recipients)
	}
	reports := make([]*DeliveryReport, 0, n)
	for i := 0; i < n; i++ {
		flat := "\n" + perMessage + "\n\n" + perRecipient[i] +
			"\n\nContent-Type: message/rfc822\n\n" + string(original)
		r, err := ParseDelivery(flat)
		if err != nil {
			return nil, err
		}
		if decoded != nil {
			rcpt := decoded.Recipients[i]
			r.Action = ParseAction(string(rcpt.Action))
			if s := firstToken(rcpt.Status); s != "" {
				r.Status = s
			}
		}
		reports = append(reports, r)
	}
	return reports, nil
}

var weekdayDate = regexp.MustCompile(`(?im)^((?:[a-z-]+-date|will-retry-until)[ \t]*:[ \t]*)(?:mon|tue|wed|thu|fri|sat|sun)[ \t]*,[ \t]*`)

// stripWeekdays drops the optional day-of-week from DSN date fields
func stripWeekdays(status []byte) []byte {
	return weekdayDate.ReplaceAll(status, []byte("${1}"))
}

// splitGroups splits a delivery-status body into its blank-line separated
// field groups.
func splitGroups(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var groups []string
	for _, g := range strings.Split(body, "\n\n") {
		if g = strings.Trim(g, "\n"); strings.TrimSpace(g) != "" {
			groups = append(groups, g)
		}
	}
	return groups
}
