package report

import (
	"net/mail"
	"net/netip"
	"strings"
)

// ParseDelivery parses a raw bounce into a DeliveryReport. Status, recipient,
// attempt date, reporting MTA and diagnostic code are required.
func ParseDelivery(raw string) (*DeliveryReport, error) {
	return parseDelivery(scan(raw))
}

// ParseComplaint parses a raw ARF complaint into a ComplaintReport.
func ParseComplaint(raw string) (*ComplaintReport, error) {
	return parseComplaint(scan(raw))
}

// Parse detects the report kind and parses accordingly. A report part that
// carries Feedback-Type, or an outer feedback-report content type, is a
// complaint; everything else is treated as a delivery report.
func Parse(raw string) (*Parsed, error) {
	s := scan(raw)
	if isComplaint(s) {
		c, err := parseComplaint(s)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindComplaint, Complaint: c}, nil
	}
	d, err := parseDelivery(s)
	if err != nil {
		return nil, err
	}
	return &Parsed{Kind: KindDelivery, Delivery: d}, nil
}

func isComplaint(s *sections) bool {
	if s.report.get("feedback-type") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(s.headers.get("content-type")), "feedback-report")
}

func parseDelivery(s *sections) (*DeliveryReport, error) {
	status := firstToken(s.report.get("status"))
	if status == "" {
		return nil, missing(KindDelivery, "Status")
	}

	rcptRaw, _ := s.lookup("original-rcpt-to", "final-recipient", "original-recipient")
	recipient := NormalizeAddress(rcptRaw)
	if recipient == "" {
		return nil, missing(KindDelivery, "Original-Rcpt-To")
	}

	dateRaw, dateField := s.lookup("last-attempt-date", "arrival-date")
	if dateRaw == "" {
		return nil, missing(KindDelivery, "Last-Attempt-Date")
	}
	attempted, err := mail.ParseDate(dateRaw)
	if err != nil {
		return nil, invalid(KindDelivery, canonical(dateField), err)
	}

	reporting, _ := s.lookup("reporting-mta")
	if reporting = stripType(reporting); reporting == "" {
		return nil, missing(KindDelivery, "Reporting-MTA")
	}

	diagnostic, _ := s.lookup("diagnostic-code")
	if diagnostic = stripType(diagnostic); diagnostic == "" {
		return nil, missing(KindDelivery, "Diagnostic-Code")
	}

	r := &DeliveryReport{
		MessageID:    messageID(s),
		Recipient:    recipient,
		Status:       status,
		Diagnostic:   diagnostic,
		Action:       ParseAction(s.report.get("action")),
		LastAttempt:  attempted,
		RemoteMTA:    stripType(s.report.get("remote-mta")),
		ReportingMTA: reporting,
	}
	if v := s.report.get("will-retry-until"); v != "" {
		if t, err := mail.ParseDate(v); err == nil {
			r.WillRetryUntil = &t
		}
	}
	return r, nil
}

func parseComplaint(s *sections) (*ComplaintReport, error) {
	ft := s.report.get("feedback-type")
	if ft == "" {
		return nil, missing(KindComplaint, "Feedback-Type")
	}

	rcptRaw, _ := s.lookup("original-rcpt-to")
	recipient := NormalizeAddress(rcptRaw)
	if recipient == "" {
		return nil, missing(KindComplaint, "Original-Rcpt-To")
	}

	ipRaw, _ := s.lookup("source-ip")
	if ipRaw == "" {
		return nil, missing(KindComplaint, "Source-IP")
	}
	ip, err := netip.ParseAddr(strings.Trim(ipRaw, "[]"))
	if err != nil {
		return nil, invalid(KindComplaint, "Source-IP", err)
	}

	dateRaw, dateField := s.lookup("arrival-date", "received-date")
	if dateRaw == "" {
		return nil, missing(KindComplaint, "Arrival-Date")
	}
	arrived, err := mail.ParseDate(dateRaw)
	if err != nil {
		return nil, invalid(KindComplaint, canonical(dateField), err)
	}

	reporting, _ := s.lookup("reporting-mta")
	if reporting = stripType(reporting); reporting == "" {
		return nil, missing(KindComplaint, "Reporting-MTA")
	}

	original := strings.Join(s.original, "\n")
	return &ComplaintReport{
		FeedbackType:      ParseFeedbackType(ft),
		OriginalRecipient: recipient,
		ArrivalDate:       arrived,
		SourceIP:          ip.String(),
		AuthResults:       s.report.get("authentication-results"),
		ReportingMTA:      reporting,
		MessageID:         ExtractMessageID(original),
		OriginalMessage:   original,
	}, nil
}

func messageID(s *sections) string {
	if v := strings.Trim(s.report.get("original-envelope-id"), "<> "); v != "" {
		return v
	}
	return ExtractMessageID(strings.Join(s.original, "\n"))
}

func canonical(field string) string {
	parts := strings.Split(field, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if p == "mta" || p == "ip" {
			parts[i] = strings.ToUpper(p)
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

