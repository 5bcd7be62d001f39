// Package chatclient defines the abstract chat-platform surface the
// gateway is built against, independent of any particular SDK.
package chatclient

import "context"

// Client is the minimal surface the gateway needs from a chat platform:
// post/update/delete a message, add/remove a reaction, upload a file,
// and open a native append-only stream.
type Client interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) (ts string, err error)
	Update(ctx context.Context, channel, ts, text string) error
	Delete(ctx context.Context, channel, ts string) error
	ReactionAdd(ctx context.Context, channel, timestamp, name string) error
	ReactionRemove(ctx context.Context, channel, timestamp, name string) error
	FileUpload(ctx context.Context, channel, threadTS string, content []byte, filename, title string) error
	ChatStream(ctx context.Context, channel, threadTS string, bufferSize int) (Streamer, error)
}

// Streamer is a native, append-only message stream opened by
// ChatStream. Each Append call delivers one more chunk of markdown.
type Streamer interface {
	Append(markdown string) error
	Stop() error
}
