// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package post

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"

	"github.com/zeebo/errs"
)

// SMTPSender is a smtp sender.
type SMTPSender struct {
	ServerAddress string

	From Address
	Auth smtp.Auth
}

// FromAddress implements the mailservice sender.
func (sender *SMTPSender) FromAddress() Address {
	return sender.From
}

// SendEmail sends an email message.
func (sender *SMTPSender) SendEmail(ctx context.Context, msg *Message) (err error) {
	host, _, err := net.SplitHostPort(sender.ServerAddress)
	if err != nil {
		return Error.Wrap(err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", sender.ServerAddress)
	if err != nil {
		return Error.Wrap(err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return errs.Combine(Error.Wrap(err), conn.Close())
	}
	// close also closes the connection
	defer func() { err = errs.Combine(err, ignoreClosed(client.Close())) }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return Error.Wrap(err)
		}
	}
	if sender.Auth != nil {
		if err := client.Auth(sender.Auth); err != nil {
			return Error.Wrap(err)
		}
	}

	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	if err := client.Mail(sender.From.Address); err != nil {
		return Error.Wrap(err)
	}
	for _, to := range msg.Recipients() {
		if err := client.Rcpt(to); err != nil {
			return Error.Wrap(err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := w.Write(data); err != nil {
		return errs.Combine(Error.Wrap(err), w.Close())
	}
	if err := w.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(client.Quit())
}

// ignoreClosed drops the error of closing a client after Quit.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
