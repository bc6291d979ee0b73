// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package mailservice sends run notices to administrators and study members.
package mailservice

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storj.io/autobids/private/post"
)

var (
	// Error is the default mailservice error class.
	Error = errs.Class("mailservice")

	mon = monkit.Package()
)

// Config defines values needed by mailservice service.
type Config struct {
	SMTPServerAddress string `help:"smtp server address" default:""`
	From              string `help:"sender email address" default:"autobids <autobids@localhost>"`
	AuthType          string `help:"smtp authentication type: plain, login, nologin, nomail or simulate" default:"simulate"`
	Login             string `help:"plain/login auth user login" default:""`
	Password          string `help:"plain/login auth user password" default:""`

	Admins string `help:"comma separated email addresses receiving run notices" default:""`

	SendInterval time.Duration `help:"minimum interval between two sent emails" default:"1s" testDefault:"0s"`
	Burst        int           `help:"number of emails sent without waiting for the send interval" default:"10"`
}

// Sender sends emails.
type Sender interface {
	SendEmail(ctx context.Context, msg *post.Message) error
	FromAddress() post.Address
}

// Notifier sends plain text notices.
type Notifier interface {
	// Notify sends the notice to the recipients.
	Notify(ctx context.Context, to []string, subject, body string) error
	// NotifyAdmins sends the notice to the administrators.
	NotifyAdmins(ctx context.Context, subject, body string) error
}

// Service sends plain text notices through a sender.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	sender  Sender
	admins  []string
	limiter *rate.Limiter
}

var _ Notifier = (*Service)(nil)

// New creates new service.
func New(log *zap.Logger, sender Sender, config Config) (*Service, error) {
	admins, err := ParseAddresses(config.Admins)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.SendInterval > 0 {
		limit = rate.Every(config.SendInterval)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Service{
		log:     log,
		sender:  sender,
		admins:  admins,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// ParseAddresses parses a comma separated address list.
func ParseAddresses(list string) ([]string, error) {
	var addresses []string
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		address, err := mail.ParseAddress(entry)
		if err != nil {
			return nil, Error.New("invalid address %q: %v", entry, err)
		}
		addresses = append(addresses, address.Address)
	}
	return addresses, nil
}

// NotifyAdmins implements Notifier.
func (service *Service) NotifyAdmins(ctx context.Context, subject, body string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.Notify(ctx, service.admins, subject, body)
}

// Notify implements Notifier. Sending without recipients does nothing.
func (service *Service) Notify(ctx context.Context, to []string, subject, body string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(to) == 0 {
		service.log.Debug("notice without recipients dropped", zap.String("subject", subject))
		return nil
	}

	msg := &post.Message{
		From:      service.sender.FromAddress(),
		Subject:   subject,
		PlainText: body,
	}
	for _, address := range to {
		msg.To = append(msg.To, post.Address{Address: address})
	}

	if err := service.limiter.Wait(ctx); err != nil {
		return Error.Wrap(err)
	}

	err = service.sender.SendEmail(ctx, msg)
	if err != nil {
		service.log.Error("fail sending email",
			zap.Error(err),
			zap.Strings("recipients", to))
		return Error.Wrap(err)
	}

	service.log.Info("email sent successfully",
		zap.String("subject", subject),
		zap.Strings("recipients", to))
	return nil
}
