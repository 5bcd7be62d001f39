// Package slackclient adapts github.com/slack-go/slack to the
// gateway's abstract chatclient.Client surface.
package slackclient

import (
	"bytes"
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/ktamas77/claudeway/pkg/chatclient"
)

// Client wraps a *slack.Client to satisfy chatclient.Client.
type Client struct {
	api *slack.Client
}

// New wraps an existing *slack.Client. Construct the *slack.Client with
// slack.New(token, opts...) in the caller.
func New(api *slack.Client) *Client {
	return &Client{api: api}
}

func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post message: %w", err)
	}
	return ts, nil
}

func (c *Client) Update(ctx context.Context, channel, ts, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack update message: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, channel, ts string) error {
	_, _, err := c.api.DeleteMessageContext(ctx, channel, ts)
	if err != nil {
		return fmt.Errorf("slack delete message: %w", err)
	}
	return nil
}

func (c *Client) ReactionAdd(ctx context.Context, channel, timestamp, name string) error {
	item := slack.NewRefToMessage(channel, timestamp)
	if err := c.api.AddReactionContext(ctx, name, item); err != nil {
		return fmt.Errorf("slack add reaction %s: %w", name, err)
	}
	return nil
}

func (c *Client) ReactionRemove(ctx context.Context, channel, timestamp, name string) error {
	item := slack.NewRefToMessage(channel, timestamp)
	if err := c.api.RemoveReactionContext(ctx, name, item); err != nil {
		return fmt.Errorf("slack remove reaction %s: %w", name, err)
	}
	return nil
}

func (c *Client) FileUpload(ctx context.Context, channel, threadTS string, content []byte, filename, title string) error {
	params := slack.UploadFileV2Parameters{
		Channel:         channel,
		Filename:        filename,
		FileSize:        len(content),
		Title:           title,
		Reader:          bytes.NewReader(content),
		ThreadTimestamp: threadTS,
	}
	if _, err := c.api.UploadFileV2Context(ctx, params); err != nil {
		return fmt.Errorf("slack upload file %s: %w", filename, err)
	}
	return nil
}

// ChatStream has no native Slack equivalent (Slack exposes no public
// streaming-append API); it bridges onto buffered Update calls, one per
// Append, against a single placeholder message opened here.
func (c *Client) ChatStream(ctx context.Context, channel, threadTS string, bufferSize int) (chatclient.Streamer, error) {
	ts, err := c.PostMessage(ctx, channel, threadTS, "")
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	return &stream{client: c, ctx: ctx, channel: channel, ts: ts}, nil
}

// stream bridges ChatStream onto repeated Update calls against the
// placeholder message posted by ChatStream.
type stream struct {
	client  *Client
	ctx     context.Context
	channel string
	ts      string
	text    string
}

func (s *stream) Append(markdown string) error {
	s.text += markdown
	return s.client.Update(s.ctx, s.channel, s.ts, s.text)
}

func (s *stream) Stop() error {
	return nil
}
