// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mailservice

import (
	"net"
	"net/mail"
	"net/smtp"

	"go.uber.org/zap"

	"storj.io/autobids/pipeline/mailservice/simulate"
	"storj.io/autobids/private/post"
)

// NewSender creates the sender selected by the auth type of the config.
func NewSender(log *zap.Logger, config Config) (Sender, error) {
	from, err := mail.ParseAddress(config.From)
	if err != nil {
		return nil, Error.New("SMTP from address '%s' couldn't be parsed: %v", config.From, err)
	}

	host, _, err := net.SplitHostPort(config.SMTPServerAddress)
	if err != nil && config.AuthType != "simulate" && config.AuthType != "nomail" {
		return nil, Error.New("SMTP server address '%s' couldn't be parsed: %v", config.SMTPServerAddress, err)
	}

	switch config.AuthType {
	case "plain":
		return &post.SMTPSender{
			From:          *from,
			Auth:          smtp.PlainAuth("", config.Login, config.Password, host),
			ServerAddress: config.SMTPServerAddress,
		}, nil
	case "login":
		return &post.SMTPSender{
			From: *from,
			Auth: post.LoginAuth{
				Username: config.Login,
				Password: config.Password,
			},
			ServerAddress: config.SMTPServerAddress,
		}, nil
	case "nologin":
		return &post.SMTPSender{
			From:          *from,
			ServerAddress: config.SMTPServerAddress,
		}, nil
	case "nomail":
		return simulate.NoMail{From: *from}, nil
	case "simulate":
		return simulate.NewRecorder(log.Named("simulate"), *from), nil
	default:
		return nil, Error.New("unknown auth type %q", config.AuthType)
	}
}
