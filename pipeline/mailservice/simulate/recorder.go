// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package simulate implements senders which do not deliver mail.
package simulate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"storj.io/autobids/private/post"
)

// NoMail drops every message.
type NoMail struct {
	From post.Address
}

// FromAddress implements the mailservice sender.
func (sender NoMail) FromAddress() post.Address { return sender.From }

// SendEmail implements the mailservice sender.
func (NoMail) SendEmail(ctx context.Context, msg *post.Message) error { return nil }

// Recorder logs and keeps every message.
type Recorder struct {
	log  *zap.Logger
	from post.Address

	mu       sync.Mutex
	messages []post.Message
}

// NewRecorder creates a recording sender.
func NewRecorder(log *zap.Logger, from post.Address) *Recorder {
	return &Recorder{log: log, from: from}
}

// FromAddress implements the mailservice sender.
func (recorder *Recorder) FromAddress() post.Address { return recorder.from }

// SendEmail implements the mailservice sender.
func (recorder *Recorder) SendEmail(ctx context.Context, msg *post.Message) error {
	recorder.log.Info("simulated email",
		zap.Strings("to", msg.Recipients()),
		zap.String("subject", msg.Subject))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.messages = append(recorder.messages, *msg)
	return nil
}

// Messages returns the recorded messages.
func (recorder *Recorder) Messages() []post.Message {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]post.Message(nil), recorder.messages...)
}

// Subjects returns the subjects of the recorded messages.
func (recorder *Recorder) Subjects() []string {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	var subjects []string
	for _, msg := range recorder.messages {
		subjects = append(subjects, msg.Subject)
	}
	return subjects
}
