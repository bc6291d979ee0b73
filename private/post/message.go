// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package post implements a simple mail sender over smtp.
package post

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default post error class.
var Error = errs.Class("post")

// Address is an email address.
type Address = mail.Address

// Message is a plain text email.
type Message struct {
	From      Address
	To        []Address
	Subject   string
	PlainText string

	// Date is the send date, zero uses the current time.
	Date time.Time
}

// Recipients returns the bare addresses of the recipients.
func (msg *Message) Recipients() []string {
	var to []string
	for _, address := range msg.To {
		to = append(to, address.Address)
	}
	return to
}

// Bytes encodes the message in RFC 5322 format.
func (msg *Message) Bytes() ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, Error.New("message has no recipients")
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	var to []string
	for _, address := range msg.To {
		to = append(to, address.String())
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From.String())
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.PlainText, "\r\n", "\n"), "\n", "\r\n"))
	return buf.Bytes(), nil
}
