// Package agent resolves conversational turns.
//
// A Runner owns one authenticated chat session. Each turn submits the
// utterance, the tool catalog, the system instructions and the conversation
// so far to a model. Tool calls in the reply are dispatched to the remote
// backend or to the local executor, their results are fed back in a single
// follow-up message, and the next reply is the answer.
//
// Model calls retry transient failures with exponential backoff and fail
// over across the configured provider profiles in priority order.
package agent
