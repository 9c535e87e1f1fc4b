package messagepipeline

import (
	"context"
)

// ====================================================================================
// This file defines the core interfaces and function types for the ingestion
// pipeline: a source of messages, a transformer that decodes them, and a processor
// that persists the decoded payload.
// ====================================================================================

// --- Stage 1: Source ---

// MessageSource is anything a worker can pull messages from in order.
// Next blocks until a message is available. It returns false once the source is
// closed and drained, or when ctx is done.
type MessageSource interface {
	Next(ctx context.Context) (Message, bool)
}

// --- Stage 2: Transformer ---

// MessageTransformer defines a function that decodes a generic `Message` into a
// specific, structured payload of type T.
//
// The 'skip' return value can be set to true to signal that this message should
// be dropped without being processed or logged as an error.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// --- Stage 3: Processor ---

// StreamProcessor defines the contract for an endpoint that handles transformed
// messages of type T one by one. A returned error is logged by the service; the
// message is not retried.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
