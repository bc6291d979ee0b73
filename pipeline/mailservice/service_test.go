// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mailservice_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline/mailservice"
	"storj.io/autobids/pipeline/mailservice/simulate"
	"storj.io/autobids/private/post"
	"storj.io/common/testcontext"
)

func TestNotify(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	recorder := simulate.NewRecorder(log, post.Address{Address: "autobids@example.com"})
	service, err := mailservice.New(log, recorder, mailservice.Config{
		Admins: "Admin <admin@example.com>, ops@example.com",
		Burst:  2,
	})
	require.NoError(t, err)

	require.NoError(t, service.NotifyAdmins(ctx, "New cfmm2tar run", "body"))
	require.NoError(t, service.Notify(ctx, []string{"user@example.com"}, "Successful tar2bids run.", "done"))
	require.NoError(t, service.Notify(ctx, nil, "dropped", ""))

	messages := recorder.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, []string{"admin@example.com", "ops@example.com"}, messages[0].Recipients())
	require.Equal(t, "autobids@example.com", messages[0].From.Address)
	require.Equal(t, []string{"New cfmm2tar run", "Successful tar2bids run."}, recorder.Subjects())
}

func TestParseAddresses(t *testing.T) {
	addresses, err := mailservice.ParseAddresses(" a@example.com,,B <b@example.com> ")
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, addresses)

	_, err = mailservice.ParseAddresses("not an address")
	require.True(t, mailservice.Error.Has(err))
}

func TestNewSender(t *testing.T) {
	log := zaptest.NewLogger(t)

	sender, err := mailservice.NewSender(log, mailservice.Config{From: "autobids@example.com", AuthType: "simulate"})
	require.NoError(t, err)
	require.IsType(t, &simulate.Recorder{}, sender)

	sender, err = mailservice.NewSender(log, mailservice.Config{
		From:              "autobids@example.com",
		AuthType:          "plain",
		SMTPServerAddress: "smtp.example.com:587",
	})
	require.NoError(t, err)
	require.IsType(t, &post.SMTPSender{}, sender)

	_, err = mailservice.NewSender(log, mailservice.Config{From: "autobids@example.com", AuthType: "plain"})
	require.Error(t, err)

	_, err = mailservice.NewSender(log, mailservice.Config{From: "autobids@example.com", AuthType: "carrier-pigeon"})
	require.Error(t, err)
}
